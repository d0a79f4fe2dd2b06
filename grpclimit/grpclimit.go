// Package grpclimit renders limiter decisions as gRPC statuses and applies a
// policy to unary calls through a server interceptor.
package grpclimit

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/iradwatkins/stepperslife-events-sub003/limiter"
)

// Response metadata keys. gRPC metadata keys are lowercase.
const (
	MetadataRetryAfter = "retry-after"
	MetadataRemaining  = "x-ratelimit-remaining"
	MetadataReset      = "x-ratelimit-reset"
)

// Status returns the ResourceExhausted error for a denied decision.
// The retry delay is attached as RetryInfo so clients can back off without parsing the message.
func Status(d limiter.Decision) error {
	n := d.RetryAfterSeconds
	if n < 1 {
		n = 1
	}
	st := status.New(codes.ResourceExhausted, fmt.Sprintf("Too many requests: please try again in %d seconds", n))
	withInfo, err := st.WithDetails(&errdetails.RetryInfo{
		RetryDelay: durationpb.New(time.Duration(n) * time.Second),
	})
	if err != nil {
		log.Debug().Err(err).Msg("failed to attach retry info to status")
		return st.Err()
	}
	return withInfo.Err()
}

// Metadata returns the response headers describing d.
func Metadata(d limiter.Decision) metadata.MD {
	if !d.Allowed {
		n := d.RetryAfterSeconds
		if n < 1 {
			n = 1
		}
		return metadata.Pairs(
			MetadataRetryAfter, strconv.Itoa(n),
			MetadataRemaining, "0",
		)
	}
	return metadata.Pairs(
		MetadataRemaining, strconv.Itoa(d.Remaining),
		MetadataReset, strconv.FormatInt(d.ResetAt.Unix(), 10),
	)
}

// KeyFunc extracts the identifier a call is counted under.
type KeyFunc func(ctx context.Context, fullMethod string) string

// ClientIP identifies a call by its incoming proxy metadata, then by the peer address.
func ClientIP(ctx context.Context, _ string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ip := limiter.ClientIP(limiter.HeaderFunc(func(key string) string {
			if vals := md.Get(key); len(vals) > 0 {
				return vals[0]
			}
			return ""
		}))
		if ip != limiter.UnknownIdentifier {
			return ip
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil && host != "" {
			return host
		}
	}
	return limiter.UnknownIdentifier
}

type interceptor struct {
	keyFn KeyFunc
}

// Option configures UnaryServerInterceptor.
type Option func(*interceptor)

// WithKeyFunc replaces ClientIP as the identifier source.
func WithKeyFunc(fn KeyFunc) Option {
	return func(i *interceptor) {
		if fn != nil {
			i.keyFn = fn
		}
	}
}

// UnaryServerInterceptor applies policy to every unary call.
func UnaryServerInterceptor(gate *limiter.Gate, policy limiter.Policy, opts ...Option) grpc.UnaryServerInterceptor {
	ic := &interceptor{keyFn: ClientIP}
	for _, opt := range opts {
		opt(ic)
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if gate == nil {
			return handler(ctx, req)
		}

		d := gate.Check(ctx, ic.keyFn(ctx, info.FullMethod), policy)
		if err := grpc.SetHeader(ctx, Metadata(d)); err != nil {
			// no server stream, e.g. when the interceptor is called directly
			log.Debug().Err(err).Str("method", info.FullMethod).Msg("could not set rate limit headers")
		}
		if !d.Allowed {
			return nil, Status(d)
		}
		return handler(ctx, req)
	}
}
