package action

import (
	"context"
	"errors"
	"sync"
	"testing"

	"recurd/internal/task/engine"
)

type fakeSystemd struct {
	mu     sync.Mutex
	calls  []string
	result string
	props  map[string]interface{}
	closed bool
}

func (f *fakeSystemd) job(op string) func(context.Context, string, string, chan<- string) (int, error) {
	return func(_ context.Context, name, mode string, ch chan<- string) (int, error) {
		f.mu.Lock()
		f.calls = append(f.calls, op+" "+name+" "+mode)
		res := f.result
		f.mu.Unlock()
		ch <- res
		return 1, nil
	}
}

func (f *fakeSystemd) StartUnitContext(ctx context.Context, n, m string, ch chan<- string) (int, error) {
	return f.job("start")(ctx, n, m, ch)
}
func (f *fakeSystemd) StopUnitContext(ctx context.Context, n, m string, ch chan<- string) (int, error) {
	return f.job("stop")(ctx, n, m, ch)
}
func (f *fakeSystemd) RestartUnitContext(ctx context.Context, n, m string, ch chan<- string) (int, error) {
	return f.job("restart")(ctx, n, m, ch)
}
func (f *fakeSystemd) ReloadUnitContext(ctx context.Context, n, m string, ch chan<- string) (int, error) {
	return f.job("reload")(ctx, n, m, ch)
}
func (f *fakeSystemd) GetUnitPropertiesContext(context.Context, string) (map[string]interface{}, error) {
	return f.props, nil
}
func (f *fakeSystemd) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func TestSystemdHandler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		payload   SystemdPayload
		result    string
		props     map[string]interface{}
		wantCall  string
		wantErr   bool
		wantRetry bool
	}{
		{name: "restart default", payload: SystemdPayload{Unit: "nginx"}, result: "done", wantCall: "restart nginx.service replace"},
		{name: "start with mode", payload: SystemdPayload{Unit: "backup.timer", Operation: "start", Mode: "fail"}, result: "done", wantCall: "start backup.timer fail"},
		{name: "job failed retries", payload: SystemdPayload{Unit: "nginx", Operation: "reload"}, result: "failed", wantCall: "reload nginx.service replace", wantErr: true, wantRetry: true},
		{name: "job skipped", payload: SystemdPayload{Unit: "nginx", Operation: "stop"}, result: "skipped", wantCall: "stop nginx.service replace", wantErr: true},
		{name: "not allowed", payload: SystemdPayload{Unit: "sshd"}, wantErr: true},
		{name: "unknown op", payload: SystemdPayload{Unit: "nginx", Operation: "kill"}, wantErr: true},
		{name: "already active", payload: SystemdPayload{Unit: "nginx", Operation: UnitEnsureActive}, props: map[string]interface{}{"ActiveState": "active", "LoadState": "loaded"}},
		{name: "ensure starts", payload: SystemdPayload{Unit: "nginx", Operation: UnitEnsureActive}, result: "done", props: map[string]interface{}{"ActiveState": "failed", "LoadState": "loaded"}, wantCall: "start nginx.service replace"},
		{name: "ensure missing unit", payload: SystemdPayload{Unit: "nginx", Operation: UnitEnsureActive}, props: map[string]interface{}{"LoadState": "not-found"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeSystemd{result: tc.result, props: tc.props}
			dial := func(context.Context) (SystemdConn, error) { return fake, nil }
			h := SystemdHandler(dial, []string{"nginx", "backup.timer"})

			err := h(context.Background(), act(KindSystemd, tc.payload))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && engine.IsNoRetry(err) == tc.wantRetry {
				t.Fatalf("retryable = %v, want %v (err %v)", !engine.IsNoRetry(err), tc.wantRetry, err)
			}
			var got string
			if len(fake.calls) > 0 {
				got = fake.calls[0]
			}
			if got != tc.wantCall {
				t.Fatalf("call = %q, want %q", got, tc.wantCall)
			}
		})
	}
}

func TestSystemdHandlerDialError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no bus")
	h := SystemdHandler(func(context.Context) (SystemdConn, error) { return nil, boom }, []string{"nginx"})
	if err := h(context.Background(), act(KindSystemd, SystemdPayload{Unit: "nginx"})); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
