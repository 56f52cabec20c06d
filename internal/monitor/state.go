package monitor

import "time"

// DebounceWindow MODIFY 在此窗口内重复出现会被合并，等待 CLOSE_WRITE 确认
const DebounceWindow = time.Second

// renameTable cookie -> MOVED_FROM 路径；没有配对 MOVED_TO 的条目会一直保留
type renameTable map[uint32]string

func (t renameTable) from(cookie uint32, path string) {
	t[cookie] = path
}

// to 取出并删除配对的源路径
func (t renameTable) to(cookie uint32) (string, bool) {
	from, ok := t[cookie]
	if ok {
		delete(t, cookie)
	}
	return from, ok
}

// modificationSet inode -> 最近一次 MODIFY 的时间
type modificationSet map[uint64]time.Time

// touch 插入前顺带清理超出窗口的旧条目
func (s modificationSet) touch(ino uint64, now time.Time) {
	for k, t := range s {
		if now.Sub(t) > DebounceWindow {
			delete(s, k)
		}
	}
	s[ino] = now
}

// confirm CLOSE_WRITE 到来时取出 inode，存在才说明有待上报的修改
func (s modificationSet) confirm(ino uint64) bool {
	if _, ok := s[ino]; !ok {
		return false
	}
	delete(s, ino)
	return true
}
