package emulate

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const testQueue = "emulatorqueue"

// fakeWorker pops one task from the queue and answers it the way the
// emulator workers do: result hash plus a pubsub notification.
func fakeWorker(t *testing.T, rdb *redis.Client, handle func(task TraceTask) (response string, errMsg string)) {
	t.Helper()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		popped, err := rdb.BRPop(ctx, 5*time.Second, testQueue).Result()
		if err != nil {
			return
		}

		var envelope taskEnvelope
		dec := msgpack.NewDecoder(bytes.NewReader([]byte(popped[1])))
		if err := dec.Decode(&envelope); err != nil {
			t.Errorf("decode task envelope: %v", err)
			return
		}
		if envelope.Type != "trace" {
			t.Errorf("expected task type trace, got %q", envelope.Type)
			return
		}

		response, errMsg := handle(envelope.Task)
		if errMsg != "" {
			rdb.Set(ctx, "emulator_error_"+envelope.Task.ID, errMsg, time.Minute)
			rdb.Publish(ctx, "emulator_channel_"+envelope.Task.ID, "error")
			return
		}
		rdb.HSet(ctx, "result_"+envelope.Task.ID, "response", response)
		rdb.Publish(ctx, "emulator_channel_"+envelope.Task.ID, "success")
	}()
}

func TestEmulateTrace(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewClient(rdb, testQueue, nil)

	fakeWorker(t, rdb, func(task TraceTask) (string, string) {
		if task.BOC != "dGVzdA==" {
			t.Errorf("unexpected task boc: %q", task.BOC)
		}
		if !task.IgnoreChksig {
			t.Error("emulation must ignore signature checks")
		}
		return `{
			"traces": [{
				"trace_id": "t1",
				"trace": {"tx_hash": "tx1", "in_msg_hash": "", "children": []},
				"transactions_order": ["tx1"],
				"transactions": {
					"tx1": {"account": "0:abc", "hash": "tx1", "total_fees": "1000",
						"in_msg": {"hash": "ext"}, "out_msgs": []}
				}
			}],
			"address_book": {"0:abc": {"user_friendly": "UQabc", "domain": null}}
		}`, ""
	})

	trace, book, err := client.EmulateTrace(context.Background(), "dGVzdA==")
	if err != nil {
		t.Fatalf("EmulateTrace failed: %v", err)
	}
	if trace.TraceID != "t1" {
		t.Errorf("expected trace t1, got %q", trace.TraceID)
	}
	if book.Friendly("0:abc") != "UQabc" {
		t.Errorf("address book not decoded: %v", book)
	}
}

func TestEmulateTraceError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewClient(rdb, testQueue, nil)

	fakeWorker(t, rdb, func(task TraceTask) (string, string) {
		return "", "cannot apply external message"
	})

	_, _, err := client.EmulateTrace(context.Background(), "dGVzdA==")
	if err == nil {
		t.Fatal("expected an emulation error")
	}
}
