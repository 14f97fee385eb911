// Package grpcserver FusionService 的 gRPC 适配层
//
// 消息为 api/memory_fusion.proto 定义的 protobuf 消息，描述符在启动时构建（descriptor.go），
// 经 gRPC 默认编解码器传输；另注册 content-subtype "json"（protojson）供调试使用。
// 业务错误不走 gRPC status：响应中 success=false 并携带 error 字符串；
// 未找到为 success=true、found=false。
package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName gRPC 服务全名
const ServiceName = "memory_fusion.MemoryFusionService"

// MemoryFusionServer 服务端接口
type MemoryFusionServer interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	BatchGet(context.Context, *BatchGetRequest) (*BatchGetResponse, error)
	Exists(context.Context, *ExistsRequest) (*ExistsResponse, error)
	ListKeys(context.Context, *ListKeysRequest) (*ListKeysResponse, error)
	GetHealth(context.Context, *HealthRequest) (*HealthResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
}

// ServiceDesc 手写的服务描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MemoryFusionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Get", MemoryFusionServer.Get),
		unary("Put", MemoryFusionServer.Put),
		unary("Delete", MemoryFusionServer.Delete),
		unary("BatchGet", MemoryFusionServer.BatchGet),
		unary("Exists", MemoryFusionServer.Exists),
		unary("ListKeys", MemoryFusionServer.ListKeys),
		unary("GetHealth", MemoryFusionServer.GetHealth),
		unary("Search", MemoryFusionServer.Search),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memory_fusion.proto",
}

// RegisterMemoryFusionServer 注册服务实现
func RegisterMemoryFusionServer(s grpc.ServiceRegistrar, srv MemoryFusionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod 方法全名，如 /memory_fusion.MemoryFusionService/Get
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// wirePtr 约束 *T 实现 wireMessage
type wirePtr[T any] interface {
	*T
	wireMessage
}

// unary 构建一元方法描述，等价于 protoc 生成的 _X_Handler
//
// 请求先解入动态消息再转为 Go 结构；拦截器看到的是 Go 结构。
func unary[Req, Resp any, PReq wirePtr[Req], PResp wirePtr[Resp]](name string, call func(MemoryFusionServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			raw := newWire(PReq(in).protoName())
			if err := dec(raw.message()); err != nil {
				return nil, err
			}
			if err := PReq(in).unmarshalWire(raw); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(MemoryFusionServer), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				if resp == nil {
					resp = new(Resp)
				}
				out, err := encode(PResp(resp))
				if err != nil {
					return nil, status.Errorf(codes.Internal, "%s: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}
