package model

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	FanotifyEventMetadataSize = 24
	FanotifyInfoHeaderSize    = 4
	FsidSize                  = 8
	FileHandleHeaderSize      = 8
	FanotifyResponseSize      = 8
)

var (
	// ErrABIMismatch 内核记录的版本或类型与预期不符，继续解析已无意义
	ErrABIMismatch = errors.New("fanotify ABI mismatch")
	// ErrShortRecord 记录声明的长度超出了剩余缓冲区
	ErrShortRecord = errors.New("short kernel record")
)

// FanotifyEventMetadata 对应 C 结构体 fanotify_event_metadata
/*
struct fanotify_event_metadata {
	__u32 event_len;
	__u8  vers;
	__u8  reserved;
	__u16 metadata_len;
	__aligned_u64 mask;
	__s32 fd;
	__s32 pid;
};
*/
type FanotifyEventMetadata = unix.FanotifyEventMetadata

// FanotifyEventInfoHeader 对应 C 结构体 fanotify_event_info_header
type FanotifyEventInfoHeader struct {
	// 信息的类型 (FID? PIDFD? ERROR?)
	InfoType uint8
	// 填充位 (为了内存对齐，通常为0)
	Pad uint8
	// 当前整个 Info 块的总长度 (包括 Header 自己)
	Len uint16
}

// FileHandle 对应 struct file_handle，FHandle 为变长部分
// struct file_handle {
//     unsigned int  handle_bytes;   /* Size of f_handle [in, out] */
//     int           handle_type;    /* Handle type [out] */
//     unsigned char f_handle[0];    /* File identifier (sized by caller) [out] */
// };
type FileHandle struct {
	HandleBytes uint32
	HandleType  int32
	FHandle     []byte
}

// FanotifyEvent 一条完整解码后的 fanotify 事件
type FanotifyEvent struct {
	Meta FanotifyEventMetadata
	// FAN_REPORT_FID 模式下才有
	Handle *FileHandle
}

// DecodeFanotifyEvents 解析一次 read 得到的缓冲区
// 缓冲区结构：[Metadata][Info...] [Metadata][Info...] ...
// 末尾不完整的记录直接丢弃；版本不符返回 ErrABIMismatch
func DecodeFanotifyEvents(buf []byte, withFid bool) ([]FanotifyEvent, error) {
	var events []FanotifyEvent
	offset := 0
	for len(buf)-offset >= FanotifyEventMetadataSize {
		meta := decodeMetadata(buf[offset:])
		if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
			return events, fmt.Errorf("%w: metadata version %d", ErrABIMismatch, meta.Vers)
		}
		eventLen := int(meta.Event_len)
		if eventLen < FanotifyEventMetadataSize || eventLen > len(buf)-offset {
			// 截断的读，剩下的部分本轮不再处理
			break
		}
		metaLen := int(meta.Metadata_len)
		if metaLen < FanotifyEventMetadataSize || metaLen > eventLen {
			return events, fmt.Errorf("%w: metadata_len %d", ErrABIMismatch, metaLen)
		}

		ev := FanotifyEvent{Meta: meta}
		if withFid && eventLen > metaLen {
			handle, err := decodeFidInfo(buf[offset+metaLen : offset+eventLen])
			if err != nil {
				return events, err
			}
			ev.Handle = handle
		}
		events = append(events, ev)
		offset += eventLen
	}
	return events, nil
}

func decodeMetadata(b []byte) FanotifyEventMetadata {
	ne := binary.NativeEndian
	return FanotifyEventMetadata{
		Event_len:    ne.Uint32(b[0:4]),
		Vers:         b[4],
		Reserved:     b[5],
		Metadata_len: ne.Uint16(b[6:8]),
		Mask:         ne.Uint64(b[8:16]),
		Fd:           int32(ne.Uint32(b[16:20])),
		Pid:          int32(ne.Uint32(b[20:24])),
	}
}

// decodeFidInfo 解析 [Header][FSID][FileHandle][FHandle]
func decodeFidInfo(b []byte) (*FileHandle, error) {
	ne := binary.NativeEndian
	fixed := FanotifyInfoHeaderSize + FsidSize + FileHandleHeaderSize
	if len(b) < fixed {
		return nil, ErrShortRecord
	}
	hdr := FanotifyEventInfoHeader{
		InfoType: b[0],
		Pad:      b[1],
		Len:      ne.Uint16(b[2:4]),
	}
	if hdr.InfoType != unix.FAN_EVENT_INFO_TYPE_FID {
		return nil, fmt.Errorf("%w: info type %d", ErrABIMismatch, hdr.InfoType)
	}
	if int(hdr.Len) < fixed || int(hdr.Len) > len(b) {
		return nil, ErrShortRecord
	}

	// 跳过 FSID
	p := FanotifyInfoHeaderSize + FsidSize
	fh := &FileHandle{
		HandleBytes: ne.Uint32(b[p : p+4]),
		HandleType:  int32(ne.Uint32(b[p+4 : p+8])),
	}
	p += FileHandleHeaderSize
	if int(fh.HandleBytes) > int(hdr.Len)-p {
		return nil, ErrShortRecord
	}
	fh.FHandle = append([]byte(nil), b[p:p+int(fh.HandleBytes)]...)
	return fh, nil
}

// EncodeFanotifyResponse 对应 struct fanotify_response
func EncodeFanotifyResponse(fd int32, response uint32) []byte {
	out := make([]byte, FanotifyResponseSize)
	binary.NativeEndian.PutUint32(out[0:4], uint32(fd))
	binary.NativeEndian.PutUint32(out[4:8], response)
	return out
}
