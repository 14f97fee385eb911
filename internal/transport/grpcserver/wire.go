package grpcserver

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// wire 动态 protobuf 消息的按字段名访问
//
// 零值不写入：proto3 标量无显式存在性，省略与写零等价。
type wire struct {
	m protoreflect.Message
}

func newWire(name string) wire {
	return wire{m: NewMessage(name)}
}

// message 供 gRPC 编解码器使用的 proto.Message
func (w wire) message() proto.Message { return w.m.Interface() }

func (w wire) field(name string) protoreflect.FieldDescriptor {
	fd := w.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(fmt.Sprintf("%s has no field %s", w.m.Descriptor().FullName(), name))
	}
	return fd
}

func (w wire) setString(name, v string) {
	if v != "" {
		w.m.Set(w.field(name), protoreflect.ValueOfString(v))
	}
}

func (w wire) setBool(name string, v bool) {
	if v {
		w.m.Set(w.field(name), protoreflect.ValueOfBool(v))
	}
}

func (w wire) setInt32(name string, v int) {
	if v != 0 {
		w.m.Set(w.field(name), protoreflect.ValueOfInt32(int32(v)))
	}
}

func (w wire) setInt64(name string, v int64) {
	if v != 0 {
		w.m.Set(w.field(name), protoreflect.ValueOfInt64(v))
	}
}

func (w wire) setDouble(name string, v float64) {
	if v != 0 {
		w.m.Set(w.field(name), protoreflect.ValueOfFloat64(v))
	}
}

func (w wire) setStrings(name string, vs []string) {
	if len(vs) == 0 {
		return
	}
	list := w.m.Mutable(w.field(name)).List()
	for _, v := range vs {
		list.Append(protoreflect.ValueOfString(v))
	}
}

// setMessage 写入消息字段，v 为 nil 时跳过
func (w wire) setMessage(name string, v proto.Message) {
	if v == nil || !v.ProtoReflect().IsValid() {
		return
	}
	w.m.Set(w.field(name), protoreflect.ValueOfMessage(v.ProtoReflect()))
}

// sub 返回可写的子消息
func (w wire) sub(name string) wire {
	return wire{m: w.m.Mutable(w.field(name)).Message()}
}

func (w wire) getString(name string) string { return w.m.Get(w.field(name)).String() }

func (w wire) getBool(name string) bool { return w.m.Get(w.field(name)).Bool() }

func (w wire) getInt(name string) int64 { return w.m.Get(w.field(name)).Int() }

func (w wire) getDouble(name string) float64 { return w.m.Get(w.field(name)).Float() }

func (w wire) has(name string) bool { return w.m.Has(w.field(name)) }

func (w wire) getStrings(name string) []string {
	list := w.m.Get(w.field(name)).List()
	if list.Len() == 0 {
		return nil
	}
	out := make([]string, list.Len())
	for i := range out {
		out[i] = list.Get(i).String()
	}
	return out
}

// child 读取子消息，未设置时 ok 为 false
func (w wire) child(name string) (wire, bool) {
	fd := w.field(name)
	if !w.m.Has(fd) {
		return wire{}, false
	}
	return wire{m: w.m.Get(fd).Message()}, true
}

// into 将消息字段解入具体类型（解码后的子消息为动态类型，需经字节转换）
func (w wire) into(name string, dst proto.Message) (bool, error) {
	sub, ok := w.child(name)
	if !ok {
		return false, nil
	}
	b, err := proto.Marshal(sub.message())
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := proto.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

// appendMessage 向重复消息字段追加一个元素并返回其可写视图
func (w wire) appendMessage(name string) wire {
	list := w.m.Mutable(w.field(name)).List()
	el := list.NewElement()
	list.Append(el)
	return wire{m: el.Message()}
}

func (w wire) getMessages(name string) []wire {
	list := w.m.Get(w.field(name)).List()
	out := make([]wire, list.Len())
	for i := range out {
		out[i] = wire{m: list.Get(i).Message()}
	}
	return out
}

// putMapMessage 向 map<string, Message> 字段写入 key 并返回值的可写视图
func (w wire) putMapMessage(name, key string) wire {
	mp := w.m.Mutable(w.field(name)).Map()
	v := mp.NewValue()
	mp.Set(protoreflect.ValueOfString(key).MapKey(), v)
	return wire{m: v.Message()}
}

func (w wire) getMapMessages(name string) map[string]wire {
	mp := w.m.Get(w.field(name)).Map()
	out := make(map[string]wire, mp.Len())
	mp.Range(func(k protoreflect.MapKey, v protoreflect.Value) bool {
		out[k.String()] = wire{m: v.Message()}
		return true
	})
	return out
}
