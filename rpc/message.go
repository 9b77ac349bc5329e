package rpc

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/rs/xid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const msgLenSize = 4 // 帧长度头 uint32

var byteOrder binary.ByteOrder = binary.LittleEndian

// 连接探测使用的保留方法
const (
	PingService = "raftrpc"
	PingMethod  = "Ping"
)

var ErrBadFrame = errors.New("malformed rpc frame")

// 应用负载的全局编解码器，请求、回应共用
var (
	defaultMarshaler = proto.MarshalOptions{
		AllowPartial: true,
	}
	defaultUnmarshaler = proto.UnmarshalOptions{
		AllowPartial:   true,
		DiscardUnknown: true,
		RecursionLimit: 100,
	}
)

// RequestMessage rpc请求信封，Payload为应用消息的序列化数据
type RequestMessage struct {
	Seq     uint32
	TraceId string
	Service string
	Method  string
	Payload []byte
}

// ResponseMessage rpc回应信封。Ecode非0表示远端应用层错误，
// 此时Error为错误描述，Payload无意义
type ResponseMessage struct {
	Seq     uint32
	TraceId string
	Ecode   int32
	Error   string
	Payload []byte
}

// NewRequest 构造一次请求，payload为nil时信封不携带负载
func NewRequest(service, method string, payload proto.Message) (*RequestMessage, error) {
	req := &RequestMessage{
		TraceId: xid.New().String(),
		Service: service,
		Method:  method,
	}
	if payload != nil {
		data, err := defaultMarshaler.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req.Payload = data
	}
	return req, nil
}

// NewPingRequest 连接探测请求，负载为本端发送时间戳(毫秒)
func NewPingRequest() *RequestMessage {
	ts, _ := defaultMarshaler.Marshal(wrapperspb.Int64(time.Now().UnixMilli()))
	return &RequestMessage{
		TraceId: xid.New().String(),
		Service: PingService,
		Method:  PingMethod,
		Payload: ts,
	}
}

// UnmarshalPayload 将请求负载反序列化到out
func (m *RequestMessage) UnmarshalPayload(out proto.Message) error {
	return defaultUnmarshaler.Unmarshal(m.Payload, out)
}

func (m *ResponseMessage) IsErrorResponse() bool {
	return m.Ecode != 0
}

// UnmarshalPayload 将正常回应的负载反序列化到out
func (m *ResponseMessage) UnmarshalPayload(out proto.Message) error {
	return defaultUnmarshaler.Unmarshal(m.Payload, out)
}

// 帧格式(小端)：
//
//	request:  u32 bodyLen | u32 seq | u16 traceLen | trace | u16 svcLen | svc | u16 mthLen | mth | u32 payloadLen | payload
//	response: u32 bodyLen | u32 seq | u16 traceLen | trace | i32 ecode | u16 errLen | err | u32 payloadLen | payload
func encodeRequest(m *RequestMessage) ([]byte, error) {
	if len(m.TraceId) > 0xffff || len(m.Service) > 0xffff || len(m.Method) > 0xffff {
		return nil, ErrBadFrame
	}
	bodyLen := 4 + 2 + len(m.TraceId) + 2 + len(m.Service) + 2 + len(m.Method) + 4 + len(m.Payload)
	buf := make([]byte, msgLenSize+bodyLen)
	byteOrder.PutUint32(buf, uint32(bodyLen))
	off := msgLenSize
	byteOrder.PutUint32(buf[off:], m.Seq)
	off += 4
	off = putBytes16(buf, off, []byte(m.TraceId))
	off = putBytes16(buf, off, []byte(m.Service))
	off = putBytes16(buf, off, []byte(m.Method))
	putBytes32(buf, off, m.Payload)
	return buf, nil
}

func decodeRequest(body []byte) (*RequestMessage, error) {
	m := &RequestMessage{}
	off := 0
	if len(body) < 4 {
		return nil, ErrBadFrame
	}
	m.Seq = byteOrder.Uint32(body)
	off = 4
	trace, off, err := getBytes16(body, off)
	if err != nil {
		return nil, err
	}
	svc, off, err := getBytes16(body, off)
	if err != nil {
		return nil, err
	}
	mth, off, err := getBytes16(body, off)
	if err != nil {
		return nil, err
	}
	payload, _, err := getBytes32(body, off)
	if err != nil {
		return nil, err
	}
	// body来自IO层的可复用缓冲区，负载必须拷出
	m.TraceId, m.Service, m.Method = string(trace), string(svc), string(mth)
	if len(payload) > 0 {
		m.Payload = append([]byte(nil), payload...)
	}
	return m, nil
}

func encodeResponse(m *ResponseMessage) ([]byte, error) {
	if len(m.TraceId) > 0xffff || len(m.Error) > 0xffff {
		return nil, ErrBadFrame
	}
	bodyLen := 4 + 2 + len(m.TraceId) + 4 + 2 + len(m.Error) + 4 + len(m.Payload)
	buf := make([]byte, msgLenSize+bodyLen)
	byteOrder.PutUint32(buf, uint32(bodyLen))
	off := msgLenSize
	byteOrder.PutUint32(buf[off:], m.Seq)
	off += 4
	off = putBytes16(buf, off, []byte(m.TraceId))
	byteOrder.PutUint32(buf[off:], uint32(m.Ecode))
	off += 4
	off = putBytes16(buf, off, []byte(m.Error))
	putBytes32(buf, off, m.Payload)
	return buf, nil
}

func decodeResponse(body []byte) (*ResponseMessage, error) {
	m := &ResponseMessage{}
	if len(body) < 4 {
		return nil, ErrBadFrame
	}
	m.Seq = byteOrder.Uint32(body)
	off := 4
	trace, off, err := getBytes16(body, off)
	if err != nil {
		return nil, err
	}
	if off+4 > len(body) {
		return nil, ErrBadFrame
	}
	m.Ecode = int32(byteOrder.Uint32(body[off:]))
	off += 4
	errStr, off, err := getBytes16(body, off)
	if err != nil {
		return nil, err
	}
	payload, _, err := getBytes32(body, off)
	if err != nil {
		return nil, err
	}
	m.TraceId, m.Error = string(trace), string(errStr)
	if len(payload) > 0 {
		m.Payload = append([]byte(nil), payload...)
	}
	return m, nil
}

func putBytes16(buf []byte, off int, data []byte) int {
	byteOrder.PutUint16(buf[off:], uint16(len(data)))
	off += 2
	copy(buf[off:], data)
	return off + len(data)
}

func putBytes32(buf []byte, off int, data []byte) int {
	byteOrder.PutUint32(buf[off:], uint32(len(data)))
	off += 4
	copy(buf[off:], data)
	return off + len(data)
}

func getBytes16(buf []byte, off int) ([]byte, int, error) {
	if off+2 > len(buf) {
		return nil, 0, ErrBadFrame
	}
	n := int(byteOrder.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return nil, 0, ErrBadFrame
	}
	return buf[off : off+n], off + n, nil
}

func getBytes32(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, ErrBadFrame
	}
	n := int(byteOrder.Uint32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return nil, 0, ErrBadFrame
	}
	return buf[off : off+n], off + n, nil
}
