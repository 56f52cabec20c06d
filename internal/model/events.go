package model

import "time"

// MountEvent 块设备插拔后的挂载变化
type MountEvent struct {
	Action     string // "add", "remove"
	DevicePath string // e.g., /dev/sdb1
	MountPoint string // e.g., /srv/media
	TimeStamp  time.Time
}

// EventKind 对外的语义事件类型
type EventKind uint8

const (
	KindCreate EventKind = iota + 1
	KindDelete
	KindModify
	KindAttrib
	KindRename
)

func (k EventKind) String() string {
	switch k {
	case KindCreate:
		return "CREATE"
	case KindDelete:
		return "DELETE"
	case KindModify:
		return "MODIFY"
	case KindAttrib:
		return "ATTRIB"
	case KindRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent 交给外部 sink 的文件变化事件，NewPath 仅 RENAME 有值
type ChangeEvent struct {
	Kind      EventKind
	Path      string
	NewPath   string
	TimeStamp time.Time
}

// ParseEventKind String 的逆操作，未知值返回 0
func ParseEventKind(s string) EventKind {
	for k := KindCreate; k <= KindRename; k++ {
		if k.String() == s {
			return k
		}
	}
	return 0
}
