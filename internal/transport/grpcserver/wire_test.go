package grpcserver

import (
	"bufio"
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"memory-fusion-hub/api"
	"memory-fusion-hub/internal/shared/model"
)

// rawCodec 原样收发字节，模拟按 memory_fusion.proto 独立编码的客户端
type rawCodec struct{ name string }

func (c rawCodec) Name() string { return c.name }

func (rawCodec) Marshal(v any) ([]byte, error) { return *(v.(*[]byte)), nil }

func (rawCodec) Unmarshal(data []byte, v any) error {
	*(v.(*[]byte)) = append([]byte(nil), data...)
	return nil
}

// decodeFields 解析一层 protobuf 字段，varint 为 uint64，length-delimited 为 []byte
func decodeFields(t *testing.T, b []byte) map[protowire.Number]any {
	t.Helper()
	out := make(map[protowire.Number]any)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0, "bad tag")
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			require.GreaterOrEqual(t, n, 0)
			out[num], b = v, b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			require.GreaterOrEqual(t, n, 0)
			out[num], b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			require.GreaterOrEqual(t, n, 0)
			b = b[n:]
		}
	}
	return out
}

func TestServer_PlainProtobufClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.Put(ctx, "k1", model.NewMemoryItem("k1", "hello", model.MemoryTypeContext), "")
	require.NoError(t, err)

	// GetRequest{key: "k1", agent_id: "py-agent"}
	req := protowire.AppendTag(nil, 1, protowire.BytesType)
	req = protowire.AppendString(req, "k1")
	req = protowire.AppendTag(req, 2, protowire.BytesType)
	req = protowire.AppendString(req, "py-agent")

	var resp []byte
	err = env.client.Conn().Invoke(ctx, FullMethod("Get"), &req, &resp, grpc.ForceCodec(rawCodec{name: "proto"}))
	require.NoError(t, err)

	fields := decodeFields(t, resp)
	assert.Equal(t, uint64(1), fields[1], "success")
	assert.Equal(t, uint64(1), fields[2], "found")
	require.Contains(t, fields, protowire.Number(3))

	rec := decodeFields(t, fields[3].([]byte))
	assert.Equal(t, []byte("memory_item"), rec[1])
	assert.Equal(t, []byte("k1"), rec[2])
	assert.Equal(t, []byte("hello"), rec[3])
	assert.Equal(t, []byte("context"), rec[5])
	assert.Contains(t, rec, protowire.Number(6), "created_at")

	events := env.events.Events()
	assert.Equal(t, "py-agent", events[len(events)-1].AgentID)
}

func TestServer_JSONCodec(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	client := env.dial(t, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	item := model.NewMemoryItem("k1", map[string]any{"n": float64(2)}, model.MemoryTypeContext)
	_, err := client.Put(ctx, "k1", item, "")
	require.NoError(t, err)

	got, err := env.client.Get(ctx, "k1", "")
	require.NoError(t, err)
	assert.Equal(t, item, got)

	req := []byte(`{"key":"k1"}`)
	var resp []byte
	err = env.client.Conn().Invoke(ctx, FullMethod("Exists"), &req, &resp, grpc.ForceCodec(rawCodec{name: CodecName}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"exists":true}`, string(resp))
}

func TestServer_Reflection(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := reflectionpb.NewServerReflectionClient(env.client.Conn()).ServerReflectionInfo(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: ServiceName},
	}))
	resp, err := stream.Recv()
	require.NoError(t, err)

	files := resp.GetFileDescriptorResponse().GetFileDescriptorProto()
	require.NotEmpty(t, files)
	var fdp descriptorpb.FileDescriptorProto
	require.NoError(t, proto.Unmarshal(files[0], &fdp))
	assert.Equal(t, api.ProtoName, fdp.GetName())
	assert.Equal(t, ProtoPackage, fdp.GetPackage())
	require.Len(t, fdp.GetService(), 1)
	assert.Len(t, fdp.GetService()[0].GetMethod(), len(ServiceDesc.Methods))
}

// 运行时描述符与 api/memory_fusion.proto 的字段名、编号一致
func TestDescriptor_MatchesProtoFile(t *testing.T) {
	messageRe := regexp.MustCompile(`^message (\w+) \{`)
	fieldRe := regexp.MustCompile(`^(?:repeated\s+)?(?:map<[^>]+>|[\w.]+)\s+(\w+)\s*=\s*(\d+);`)
	rpcRe := regexp.MustCompile(`^rpc (\w+)\((\w+)\) returns \((\w+)\);`)

	var current string
	depth, fields, rpcs := 0, 0, 0
	services := File.Services().ByName("MemoryFusionService")
	require.NotNil(t, services)

	sc := bufio.NewScanner(strings.NewReader(api.Proto))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if m := rpcRe.FindStringSubmatch(line); m != nil {
			md := services.Methods().ByName(protoreflect.Name(m[1]))
			require.NotNil(t, md, m[1])
			assert.Equal(t, m[2], string(md.Input().Name()), m[1])
			assert.Equal(t, m[3], string(md.Output().Name()), m[1])
			rpcs++
			continue
		}
		if m := messageRe.FindStringSubmatch(line); m != nil && depth == 0 {
			current = m[1]
			require.NotNil(t, File.Messages().ByName(protoreflect.Name(current)), current)
		}
		if m := fieldRe.FindStringSubmatch(line); m != nil && current != "" && depth > 0 {
			fd := MessageDescriptor(current).Fields().ByName(protoreflect.Name(m[1]))
			require.NotNil(t, fd, "%s.%s", current, m[1])
			num, err := strconv.Atoi(m[2])
			require.NoError(t, err)
			assert.Equal(t, protoreflect.FieldNumber(num), fd.Number(), "%s.%s", current, m[1])
			fields++
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth == 0 {
			current = ""
		}
	}
	require.NoError(t, sc.Err())

	total := 0
	for i := 0; i < File.Messages().Len(); i++ {
		total += File.Messages().Get(i).Fields().Len()
	}
	assert.Equal(t, total, fields, "every descriptor field appears in the .proto file")
	assert.Equal(t, len(ServiceDesc.Methods), rpcs)
}
