package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"metabridge/message"
)

func okHandler(_ context.Context, req *message.Request) *message.Response {
	return message.NewOKResponse(req.CallID, "done")
}

func TestChainOrder(t *testing.T) {
	var trace []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				trace = append(trace, name+"-in")
				resp := next(ctx, req)
				trace = append(trace, name+"-out")
				return resp
			}
		}
	}

	handler := Chain(tag("A"), tag("B"), tag("C"))(okHandler)
	resp := handler(context.Background(), &message.Request{CallID: 1})

	if resp.Result != "done" {
		t.Fatalf("Result = %v, want done", resp.Result)
	}

	// Onion model: first registered sees the request first, the response last
	want := []string{"A-in", "B-in", "C-in", "C-out", "B-out", "A-out"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestChainEmpty(t *testing.T) {
	handler := Chain()(okHandler)
	resp := handler(context.Background(), &message.Request{CallID: 2})
	if resp.Result != "done" {
		t.Errorf("empty chain altered the handler: %v", resp.Result)
	}
}

func TestLogging(t *testing.T) {
	handler := Logging(zap.NewNop())(okHandler)
	resp := handler(context.Background(), &message.Request{CallID: 3, Endpoint: "get"})

	// Logging must be transparent to the response
	if resp.CallID != 3 || resp.Result != "done" {
		t.Errorf("logging middleware altered the response: %+v", resp)
	}
}

func TestRateLimit(t *testing.T) {
	// 1 call/sec with burst 2: the first two pass, the third is rejected
	handler := RateLimit(1, 2)(okHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), &message.Request{CallID: uint64(i)})
		if resp.Status != message.StatusOK {
			t.Fatalf("call %d within burst was rejected: %+v", i, resp.Error)
		}
	}

	resp := handler(context.Background(), &message.Request{CallID: 9})
	if resp.Status != message.StatusError || resp.Error.Kind != message.KindRateLimit {
		t.Fatalf("expected RateLimitError beyond burst, got %+v", resp)
	}
}

func TestTimeout(t *testing.T) {
	slow := func(_ context.Context, req *message.Request) *message.Response {
		time.Sleep(200 * time.Millisecond)
		return message.NewOKResponse(req.CallID, "late")
	}

	handler := Timeout(20 * time.Millisecond)(slow)
	resp := handler(context.Background(), &message.Request{CallID: 4})

	if resp.Status != message.StatusError || resp.Error.Kind != message.KindTimeout {
		t.Fatalf("expected TimeoutError, got %+v", resp)
	}
	if resp.CallID != 4 {
		t.Errorf("timeout response call_id = %d, want 4", resp.CallID)
	}
}

func TestTimeoutFastHandlerPasses(t *testing.T) {
	handler := Timeout(time.Second)(okHandler)
	resp := handler(context.Background(), &message.Request{CallID: 5})
	if resp.Status != message.StatusOK {
		t.Fatalf("fast handler hit the timeout: %+v", resp)
	}
}
