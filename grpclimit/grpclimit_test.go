package grpclimit

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/iradwatkins/stepperslife-events-sub003/limiter"
)

func TestStatus(t *testing.T) {
	err := Status(limiter.Decision{RetryAfterSeconds: 30})

	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected a grpc status error, got %v", err)
	}
	if st.Code() != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %s", st.Code())
	}
	if st.Message() != "Too many requests: please try again in 30 seconds" {
		t.Fatalf("unexpected message %q", st.Message())
	}

	var found bool
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok {
			found = true
			if got := info.GetRetryDelay().AsDuration(); got != 30*time.Second {
				t.Fatalf("expected retry delay 30s, got %s", got)
			}
		}
	}
	if !found {
		t.Fatalf("expected RetryInfo detail")
	}
}

func TestMetadata(t *testing.T) {
	reset := time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)
	md := Metadata(limiter.Decision{Allowed: true, Remaining: 2, ResetAt: reset})
	if got := md.Get(MetadataRemaining); len(got) != 1 || got[0] != "2" {
		t.Fatalf("expected remaining 2, got %v", got)
	}
	if got := md.Get(MetadataReset); len(got) != 1 || got[0] != "1709294460" {
		t.Fatalf("expected reset epoch seconds, got %v", got)
	}

	md = Metadata(limiter.Decision{RetryAfterSeconds: 5})
	if got := md.Get(MetadataRetryAfter); len(got) != 1 || got[0] != "5" {
		t.Fatalf("expected retry-after 5, got %v", got)
	}
	if got := md.Get(MetadataRemaining); len(got) != 1 || got[0] != "0" {
		t.Fatalf("expected remaining 0, got %v", got)
	}
}

func TestClientIP(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "9.9.9.9, 10.0.0.1"))
	if got := ClientIP(ctx, "/svc/Method"); got != "9.9.9.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}

	ctx = peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 5000}})
	if got := ClientIP(ctx, "/svc/Method"); got != "10.1.2.3" {
		t.Fatalf("expected peer address, got %q", got)
	}

	if got := ClientIP(context.Background(), "/svc/Method"); got != limiter.UnknownIdentifier {
		t.Fatalf("expected %q, got %q", limiter.UnknownIdentifier, got)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	gate := limiter.NewLocalGate()
	policy := limiter.Policy{Name: "grpc", Window: time.Minute, MaxRequests: 2}
	intercept := UnaryServerInterceptor(gate, policy)
	info := &grpc.UnaryServerInfo{FullMethod: "/events.Tickets/Purchase"}

	calls := 0
	handler := func(ctx context.Context, req any) (any, error) {
		calls++
		return "ok", nil
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("cf-connecting-ip", "1.1.1.1"))

	for i := 0; i < policy.MaxRequests; i++ {
		resp, err := intercept(ctx, nil, info, handler)
		if err != nil || resp != "ok" {
			t.Fatalf("call %d: expected ok, got %v, %v", i+1, resp, err)
		}
	}

	_, err := intercept(ctx, nil, info, handler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if calls != policy.MaxRequests {
		t.Fatalf("expected handler called %d times, got %d", policy.MaxRequests, calls)
	}

	other := metadata.NewIncomingContext(context.Background(), metadata.Pairs("cf-connecting-ip", "2.2.2.2"))
	if _, err := intercept(other, nil, info, handler); err != nil {
		t.Fatalf("a different client should not be limited: %v", err)
	}
}

func TestUnaryServerInterceptor_KeyFunc(t *testing.T) {
	gate := limiter.NewLocalGate()
	policy := limiter.Policy{Name: "per-method", Window: time.Minute, MaxRequests: 1}
	intercept := UnaryServerInterceptor(gate, policy, WithKeyFunc(func(_ context.Context, method string) string {
		return method
	}))
	handler := func(ctx context.Context, req any) (any, error) { return nil, nil }

	a := &grpc.UnaryServerInfo{FullMethod: "/svc/A"}
	b := &grpc.UnaryServerInfo{FullMethod: "/svc/B"}
	if _, err := intercept(context.Background(), nil, a, handler); err != nil {
		t.Fatal(err)
	}
	if _, err := intercept(context.Background(), nil, b, handler); err != nil {
		t.Fatalf("methods should have separate counters: %v", err)
	}
	if _, err := intercept(context.Background(), nil, a, handler); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected second call to A to be limited, got %v", err)
	}
}
