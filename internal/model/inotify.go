package model

import (
	"bytes"
	"encoding/binary"
)

const InotifyEventSize = 16

// InotifyEvent 对应 struct inotify_event，Name 已去掉结尾的 NUL 填充
type InotifyEvent struct {
	Wd     int32
	Mask   uint32
	Cookie uint32
	Name   string
}

// DecodeInotifyEvents 解析 inotify 缓冲区，截断的尾部记录直接丢弃
func DecodeInotifyEvents(buf []byte) []InotifyEvent {
	ne := binary.NativeEndian
	var events []InotifyEvent
	offset := 0
	for len(buf)-offset >= InotifyEventSize {
		b := buf[offset:]
		nameLen := int(ne.Uint32(b[12:16]))
		if nameLen > len(b)-InotifyEventSize {
			break
		}
		name := b[InotifyEventSize : InotifyEventSize+nameLen]
		if idx := bytes.IndexByte(name, 0); idx != -1 {
			name = name[:idx]
		}
		events = append(events, InotifyEvent{
			Wd:     int32(ne.Uint32(b[0:4])),
			Mask:   ne.Uint32(b[4:8]),
			Cookie: ne.Uint32(b[8:12]),
			Name:   string(name),
		})
		offset += InotifyEventSize + nameLen
	}
	return events
}
