package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"reflect"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"
)

// newPipePair returns the sandbox and host ends of an in-memory transport.
func newPipePair(t *testing.T) (sandbox, host *Channel) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	sandbox = NewChannel(respR, reqW)
	host = NewChannel(reqR, respW)
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = respW.Close()
		_ = reqR.Close()
		_ = respR.Close()
	})
	return sandbox, host
}

// --- Classifier ---

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Kind
	}{
		{"no discriminator", `{"type":"assistant","message":{}}`, KindMessage},
		{"explicit message", `{"_type":"message","subtype":"init"}`, KindMessage},
		{"hook request", `{"_type":"hook_request","request_id":"a"}`, KindHookRequest},
		{"hook response", `{"_type":"hook_response","request_id":"a"}`, KindHookResponse},
		{"tool request", `{"_type":"host_tool_request","request_id":"a"}`, KindHostToolRequest},
		{"tool response", `{"_type":"host_tool_response","request_id":"a"}`, KindHostToolResponse},
		{"unknown discriminator", `{"_type":"telemetry"}`, KindUnknown},
		{"non-string discriminator", `{"_type":42}`, KindUnknown},
		{"malformed", `{"_type":"message"`, KindUnparseable},
		{"array", `[1,2,3]`, KindUnparseable},
		{"plain text", `Traceback (most recent call last):`, KindUnparseable},
		{"blank", `   `, KindUnparseable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify([]byte(tt.line))
			if got.Kind != tt.want {
				t.Errorf("Classify(%q).Kind = %q, want %q", tt.line, got.Kind, tt.want)
			}
		})
	}
}

func TestClassify_Idempotent(t *testing.T) {
	line := []byte(`{"_type":"host_tool_request","request_id":"r-1","server_name":"test","tool_name":"echo","tool_input":{"message":"hi"}}`)
	first := Classify(line)
	second := Classify(line)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("classification differs between calls:\n%#v\n%#v", first, second)
	}
	if first.RequestID() != "r-1" {
		t.Errorf("RequestID = %q, want r-1", first.RequestID())
	}
	if _, ok := first.Payload()[TypeField]; ok {
		t.Error("Payload should not contain the discriminator")
	}
}

// --- Channel ---

func TestChannel_ConcurrentSendDoesNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	ch := NewChannel(nil, &buf)

	const writers, perWriter = 20, 50
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				payload := map[string]any{"writer": w, "seq": i, "pad": strings.Repeat("x", 512)}
				if err := ch.Send(payload); err != nil {
					t.Errorf("Send: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	reader := NewChannel(&buf, nil)
	count := 0
	for line := range reader.Lines() {
		var v map[string]any
		if err := json.Unmarshal(line, &v); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", count, err)
		}
		count++
	}
	if count != writers*perWriter {
		t.Errorf("read %d lines, want %d", count, writers*perWriter)
	}
}

func TestChannel_SendRawRejectsEmbeddedNewline(t *testing.T) {
	ch := NewChannel(nil, io.Discard)
	err := ch.SendRaw([]byte("{\"a\":1}\n{\"b\":2}"))
	if !errors.Is(err, ErrEmbeddedNewline) {
		t.Fatalf("err = %v, want ErrEmbeddedNewline", err)
	}
	if err := ch.SendRaw([]byte(`{"a":1}` + "\n")); err != nil {
		t.Fatalf("trailing newline should be accepted: %v", err)
	}
}

func TestChannel_LinesSinglePass(t *testing.T) {
	ch := NewChannel(strings.NewReader("{\"a\":1}\n\n  \n{\"b\":2}\n"), nil)
	var first [][]byte
	for line := range ch.Lines() {
		first = append(first, line)
	}
	if len(first) != 2 {
		t.Fatalf("got %d lines, want 2 (blank lines skipped)", len(first))
	}
	for range ch.Lines() {
		t.Fatal("second iteration should yield nothing")
	}
	if ch.Err() != nil {
		t.Errorf("Err = %v, want nil on clean EOF", ch.Err())
	}
}

func TestChannel_OversizedLine(t *testing.T) {
	long := `{"a":"` + strings.Repeat("x", 200) + `"}`
	huge := `{"b":"` + strings.Repeat("y", 200*1024) + `"}`
	input := long + "\n" + `{"n":1}` + "\n" + huge + "\n" + `{"n":2}` + "\n" + long
	ch := NewChannel(strings.NewReader(input), nil, WithMaxLineSize(64))

	var got []string
	for line := range ch.Lines() {
		got = append(got, string(line))
	}
	want := []string{`{"n":1}`, `{"n":2}`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	if ch.Err() != nil {
		t.Errorf("Err = %v, want nil: oversized lines are dropped, not fatal", ch.Err())
	}
}

func TestChannel_LineAtLimit(t *testing.T) {
	line := `{"a":"` + strings.Repeat("x", 56) + `"}` // 64 bytes
	ch := NewChannel(strings.NewReader(line+"\r\n"+line), nil, WithMaxLineSize(64))
	n := 0
	for got := range ch.Lines() {
		if string(got) != line {
			t.Fatalf("line = %q", got)
		}
		n++
	}
	if n != 2 {
		t.Errorf("read %d lines, want 2", n)
	}
}

func TestChannel_ReadError(t *testing.T) {
	boom := errors.New("pipe broken")
	r := io.MultiReader(strings.NewReader("{\"a\":1}\n"), iotest.ErrReader(boom))
	ch := NewChannel(r, nil)
	n := 0
	for range ch.Lines() {
		n++
	}
	if n != 1 {
		t.Errorf("read %d lines before the error, want 1", n)
	}
	if !errors.Is(ch.Err(), boom) {
		t.Errorf("Err = %v, want %v", ch.Err(), boom)
	}
}

func TestChannel_SendAfterClose(t *testing.T) {
	ch := NewChannel(nil, io.Discard)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ch.Send(map[string]string{"a": "b"}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
}

// --- Registry ---

func TestRegistry_AtMostOnceDelivery(t *testing.T) {
	reg := NewRegistry()
	w, err := reg.Register("req-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !reg.Resolve("req-1", json.RawMessage(`{"n":1}`)) {
		t.Fatal("first Resolve should deliver")
	}
	if reg.Resolve("req-1", json.RawMessage(`{"n":2}`)) {
		t.Fatal("second Resolve should be a no-op")
	}

	got, err := reg.Await(context.Background(), w, time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Errorf("payload = %s, want first payload", got)
	}
	if reg.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", reg.Pending())
	}
}

func TestRegistry_LateResolveAfterTimeout(t *testing.T) {
	reg := NewRegistry()
	w, _ := reg.Register("req-1")

	_, err := reg.Await(context.Background(), w, 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if reg.Resolve("req-1", json.RawMessage(`{"late":true}`)) {
		t.Fatal("Resolve after timeout should report no waiter")
	}
	if reg.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", reg.Pending())
	}

	// A new waiter under the same id must not observe the stale payload.
	w2, err := reg.Register("req-1")
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if _, err := reg.Await(context.Background(), w2, 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout for fresh waiter", err)
	}
}

func TestRegistry_DuplicateRegister(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register("dup"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register("dup"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("err = %v, want ErrDuplicateRequest", err)
	}
}

func TestRegistry_ContextCancel(t *testing.T) {
	reg := NewRegistry()
	w, _ := reg.Register("req")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := reg.Await(ctx, w, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if reg.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", reg.Pending())
	}
}

func TestRegistry_CloseWakesWaiters(t *testing.T) {
	reg := NewRegistry()
	w, _ := reg.Register("req")

	done := make(chan error, 1)
	go func() {
		_, err := reg.Await(context.Background(), w, time.Minute)
		done <- err
	}()
	reg.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrRegistryClosed) {
			t.Fatalf("err = %v, want ErrRegistryClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Close")
	}
	if _, err := reg.Register("other"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Register after Close: err = %v, want ErrRegistryClosed", err)
	}
}

// --- Emitter ---

func TestEmitter_ConcurrentCallsMatchedOutOfOrder(t *testing.T) {
	sandbox, host := newPipePair(t)
	reg := NewRegistry()
	em := NewEmitter(sandbox, reg, EmitterConfig{ToolTimeout: 5 * time.Second})
	ctx := context.Background()
	go func() { _ = ResponsePump(ctx, sandbox, reg, nil) }()

	const n = 4
	results := make([]ToolResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = em.CallTool(ctx, HostToolRequest{
				ServerName: "test",
				ToolName:   "echo",
				ToolInput:  map[string]any{"message": fmt.Sprintf("msg-%d", i)},
			})
		}()
	}

	next, stop := iter.Pull(host.Lines())
	defer stop()
	var reqs []HostToolRequest
	for len(reqs) < n {
		line, ok := next()
		if !ok {
			t.Fatal("request stream ended early")
		}
		var req HostToolRequest
		if err := json.Unmarshal(line, &req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		reqs = append(reqs, req)
	}

	// Answer in reverse arrival order.
	for i := n - 1; i >= 0; i-- {
		msg, _ := reqs[i].ToolInput["message"].(string)
		if err := host.Send(NewHostToolResponse(reqs[i].RequestID, TextResult("echo:"+msg))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	wg.Wait()

	for i, r := range results {
		want := fmt.Sprintf("echo:msg-%d", i)
		if r.IsError {
			t.Errorf("result %d is an error: %s", i, r.Text())
		}
		if r.Text() != want {
			t.Errorf("result %d = %q, want %q", i, r.Text(), want)
		}
	}
	if reg.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", reg.Pending())
	}
}

func TestEmitter_HookTimeoutFailOpen(t *testing.T) {
	sandbox, host := newPipePair(t)
	reg := NewRegistry()
	em := NewEmitter(sandbox, reg, EmitterConfig{HookTimeout: 30 * time.Millisecond})

	// Drain requests without answering.
	go func() {
		for range host.Lines() {
		}
	}()

	resp := em.PreToolUse(context.Background(), HookRequest{ToolName: "Bash"})
	if resp.Decision != DecisionAllow {
		t.Errorf("decision = %q, want allow", resp.Decision)
	}
	if reg.Pending() != 0 {
		t.Errorf("Pending = %d, want 0 after timeout", reg.Pending())
	}
}

func TestEmitter_HookTimeoutFailClosed(t *testing.T) {
	sandbox, host := newPipePair(t)
	em := NewEmitter(sandbox, NewRegistry(), EmitterConfig{HookTimeout: 30 * time.Millisecond, FailClosed: true})
	go func() {
		for range host.Lines() {
		}
	}()

	resp := em.PreToolUse(context.Background(), HookRequest{ToolName: "Bash"})
	if resp.Decision != DecisionDeny {
		t.Fatalf("decision = %q, want deny", resp.Decision)
	}
	if resp.Reason != HookTimeoutText {
		t.Errorf("reason = %q, want %q", resp.Reason, HookTimeoutText)
	}
}

func TestEmitter_ToolTimeout(t *testing.T) {
	sandbox, host := newPipePair(t)
	em := NewEmitter(sandbox, NewRegistry(), EmitterConfig{ToolTimeout: 30 * time.Millisecond})
	go func() {
		for range host.Lines() {
		}
	}()

	r := em.CallTool(context.Background(), HostToolRequest{ServerName: "s", ToolName: "t"})
	if !r.IsError {
		t.Fatal("expected error result on timeout")
	}
	if r.Text() != ToolTimeoutText {
		t.Errorf("text = %q, want %q", r.Text(), ToolTimeoutText)
	}
}

func TestEmitter_WrongResponseTypeForHook(t *testing.T) {
	sandbox, host := newPipePair(t)
	reg := NewRegistry()
	em := NewEmitter(sandbox, reg, EmitterConfig{HookTimeout: 5 * time.Second})
	go func() { _ = ResponsePump(context.Background(), sandbox, reg, nil) }()

	go func() {
		for line := range host.Lines() {
			c := Classify(line)
			_ = host.Send(NewHostToolResponse(c.RequestID(), TextResult("wrong")))
		}
	}()

	resp := em.PreToolUse(context.Background(), HookRequest{ToolName: "Write"})
	if resp.Decision != DecisionAllow {
		t.Errorf("decision = %q, want allow for mismatched response", resp.Decision)
	}
}

func TestEmitter_PostToolUseTruncates(t *testing.T) {
	var buf bytes.Buffer
	em := NewEmitter(NewChannel(nil, &buf), NewRegistry(), EmitterConfig{})

	err := em.PostToolUse(context.Background(), HookRequest{
		ToolName:   "Bash",
		ToolResult: strings.Repeat("y", MaxPostToolResult+500),
	})
	if err != nil {
		t.Fatalf("PostToolUse: %v", err)
	}
	var req HookRequest
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &req); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if req.HookEvent != HookEventPostToolUse {
		t.Errorf("hook_event = %q", req.HookEvent)
	}
	if len(req.ToolResult) != MaxPostToolResult {
		t.Errorf("tool_result length = %d, want %d", len(req.ToolResult), MaxPostToolResult)
	}
}

// --- Content blocks ---

func TestContentBlock_PreservesNonText(t *testing.T) {
	in := `{"type":"image","data":"aGVsbG8=","mimeType":"image/png"}`
	var b ContentBlock
	if err := json.Unmarshal([]byte(in), &b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if b.Type != "image" {
		t.Fatalf("Type = %q, want image", b.Type)
	}
	out, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != in {
		t.Errorf("Marshal = %s, want %s", out, in)
	}
}
