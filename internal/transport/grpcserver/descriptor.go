package grpcserver

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	// 注册 struct.proto 与 timestamp.proto，供依赖解析
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
)

// ============================================================================
// memory_fusion.proto 描述符
// ============================================================================

// ProtoPackage protobuf 包名
const ProtoPackage = "memory_fusion"

// File 启动时构建的 memory_fusion.proto 文件描述符，已注册到 protoregistry.GlobalFiles
var File protoreflect.FileDescriptor

func init() {
	fd, err := protodesc.NewFile(fileProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("memory_fusion.proto: %v", err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("register memory_fusion.proto: %v", err))
	}
	File = fd
}

// MessageDescriptor 按短名查找消息描述符，如 "GetRequest"
func MessageDescriptor(name string) protoreflect.MessageDescriptor {
	md := File.Messages().ByName(protoreflect.Name(name))
	if md == nil {
		panic("memory_fusion: unknown message " + name)
	}
	return md
}

// NewMessage 创建空的动态消息
func NewMessage(name string) *dynamicpb.Message {
	return dynamicpb.NewMessage(MessageDescriptor(name))
}

const (
	typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeBool   = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	typeInt32  = descriptorpb.FieldDescriptorProto_TYPE_INT32
	typeInt64  = descriptorpb.FieldDescriptorProto_TYPE_INT64
	typeDouble = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
)

const (
	wktStruct    = ".google.protobuf.Struct"
	wktValue     = ".google.protobuf.Value"
	wktTimestamp = ".google.protobuf.Timestamp"
)

func fileProto() *descriptorpb.FileDescriptorProto {
	record := message("Record",
		scalar("type", 1, typeString),
		scalar("key", 2, typeString),
		oneof(scalar("text", 3, typeString), 0),
		oneof(ref("json", 4, wktValue), 0),
		scalar("memory_type", 5, typeString),
		ref("created_at", 6, wktTimestamp),
		ref("updated_at", 7, wktTimestamp),
		scalar("access_count", 8, typeInt64),
		scalar("relevance_score", 9, typeDouble),
		repeated(scalar("tags", 10, typeString)),
		scalar("parent_id", 11, typeString),
		ref("context", 12, wktStruct),
		ref("data", 13, wktStruct),
	)
	record.OneofDecl = []*descriptorpb.OneofDescriptorProto{{Name: proto.String("content")}}

	batchGetResponse := message("BatchGetResponse",
		scalar("success", 1, typeBool),
		repeated(ref("records", 2, local("BatchGetResponse.RecordsEntry"))),
		repeated(scalar("missing", 3, typeString)),
		scalar("error", 4, typeString),
	)
	batchGetResponse.NestedType = []*descriptorpb.DescriptorProto{
		mapEntry("RecordsEntry", ref("value", 2, local("Record"))),
	}

	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("memory_fusion.proto"),
		Package:    proto.String(ProtoPackage),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/protobuf/struct.proto", "google/protobuf/timestamp.proto"},
		Options:    &descriptorpb.FileOptions{GoPackage: proto.String("memory-fusion-hub/internal/transport/grpcserver")},
		MessageType: []*descriptorpb.DescriptorProto{
			record,
			message("GetRequest",
				scalar("key", 1, typeString),
				scalar("agent_id", 2, typeString),
			),
			message("GetResponse",
				scalar("success", 1, typeBool),
				scalar("found", 2, typeBool),
				ref("record", 3, local("Record")),
				scalar("error", 4, typeString),
			),
			message("PutRequest",
				scalar("key", 1, typeString),
				ref("record", 2, local("Record")),
				scalar("agent_id", 3, typeString),
			),
			message("PutResponse",
				scalar("success", 1, typeBool),
				scalar("key", 2, typeString),
				scalar("event_id", 3, typeString),
				scalar("event_type", 4, typeString),
				scalar("error", 5, typeString),
			),
			message("DeleteRequest",
				scalar("key", 1, typeString),
				scalar("agent_id", 2, typeString),
			),
			message("DeleteResponse",
				scalar("success", 1, typeBool),
				scalar("deleted", 2, typeBool),
				scalar("error", 3, typeString),
			),
			message("BatchGetRequest",
				repeated(scalar("keys", 1, typeString)),
				scalar("agent_id", 2, typeString),
			),
			batchGetResponse,
			message("ExistsRequest",
				scalar("key", 1, typeString),
			),
			message("ExistsResponse",
				scalar("success", 1, typeBool),
				scalar("exists", 2, typeBool),
				scalar("error", 3, typeString),
			),
			message("ListKeysRequest",
				scalar("prefix", 1, typeString),
				scalar("limit", 2, typeInt32),
			),
			message("ListKeysResponse",
				scalar("success", 1, typeBool),
				repeated(scalar("keys", 2, typeString)),
				scalar("error", 3, typeString),
			),
			message("HealthRequest"),
			message("HealthResponse",
				scalar("success", 1, typeBool),
				scalar("status", 2, typeString),
				ref("health", 3, wktStruct),
				scalar("error", 4, typeString),
			),
			message("SearchQuery",
				scalar("kind", 1, typeString),
				scalar("memory_type", 2, typeString),
				repeated(scalar("tags", 3, typeString)),
				scalar("session_id", 4, typeString),
				scalar("user_id", 5, typeString),
				scalar("min_relevance", 6, typeDouble),
				scalar("subject", 7, typeString),
				scalar("predicate", 8, typeString),
				scalar("domain", 9, typeString),
				scalar("limit", 10, typeInt32),
			),
			message("SearchRequest",
				ref("query", 1, local("SearchQuery")),
			),
			message("SearchResponse",
				scalar("success", 1, typeBool),
				repeated(ref("records", 2, local("Record"))),
				scalar("error", 3, typeString),
			),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("MemoryFusionService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("Get", "GetRequest", "GetResponse"),
				method("Put", "PutRequest", "PutResponse"),
				method("Delete", "DeleteRequest", "DeleteResponse"),
				method("BatchGet", "BatchGetRequest", "BatchGetResponse"),
				method("Exists", "ExistsRequest", "ExistsResponse"),
				method("ListKeys", "ListKeysRequest", "ListKeysResponse"),
				method("GetHealth", "HealthRequest", "HealthResponse"),
				method("Search", "SearchRequest", "SearchResponse"),
			},
		}},
	}
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func mapEntry(name string, value *descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	m := message(name, scalar("key", 1, typeString), value)
	m.Options = &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)}
	return m
}

func scalar(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func ref(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, num, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	f.TypeName = proto.String(typeName)
	return f
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func oneof(f *descriptorpb.FieldDescriptorProto, index int32) *descriptorpb.FieldDescriptorProto {
	f.OneofIndex = proto.Int32(index)
	return f
}

func local(name string) string {
	return "." + ProtoPackage + "." + name
}

func method(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String(local(in)),
		OutputType: proto.String(local(out)),
	}
}
