// Package emulate estimates fees by running signed messages through the
// emulator worker pool and parsing the resulting trace, falling back to the
// legacy estimator when emulation is unavailable.
package emulate

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/toncenter/ton-wallet-engine/engine/models"
)

const defaultEmulationTimeout = 10 * time.Second

type TraceTask struct {
	ID               string  `msgpack:"id"`
	BOC              string  `msgpack:"boc"`
	IgnoreChksig     bool    `msgpack:"ignore_chksig"`
	DetectInterfaces bool    `msgpack:"detect_interfaces"`
	IncludeCodeData  bool    `msgpack:"include_code_data"`
	McBlockSeqno     *uint32 `msgpack:"mc_block_seqno"`
}

type taskEnvelope struct {
	Type string    `msgpack:"type"`
	Task TraceTask `msgpack:"task"`
}

// Client talks to the emulator workers over redis: tasks go into a list,
// completion is signaled on a per-task pubsub channel and the result is
// stored in a per-task hash.
type Client struct {
	rdb       *redis.Client
	queueName string
	timeout   time.Duration
	log       *logrus.Logger
}

func NewClient(rdb *redis.Client, queueName string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		rdb:       rdb,
		queueName: queueName,
		timeout:   defaultEmulationTimeout,
		log:       log,
	}
}

func generateTaskID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// EmulateTrace runs a signed external message through the emulator and
// returns the emulated trace with classified actions.
func (c *Client) EmulateTrace(ctx context.Context, bocB64 string) (*models.Trace, models.AddressBook, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	taskID := generateTaskID()
	task := TraceTask{
		ID:               taskID,
		BOC:              bocB64,
		IgnoreChksig:     true,
		DetectInterfaces: true,
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseArrayEncodedStructs(false)
	if err := enc.Encode(taskEnvelope{Type: "trace", Task: task}); err != nil {
		return nil, nil, fmt.Errorf("serialize emulation task: %w", err)
	}

	pubsub := c.rdb.Subscribe(ctx, "emulator_channel_"+taskID)
	defer pubsub.Close()

	if err := c.rdb.LPush(ctx, c.queueName, buf.Bytes()).Err(); err != nil {
		return nil, nil, fmt.Errorf("push emulation task: %w", err)
	}

	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("await emulation result: %w", err)
	}
	switch msg.Payload {
	case "success":
	case "error":
		errorMsg, err := c.rdb.Get(ctx, "emulator_error_"+taskID).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("fetch emulation error: %w", err)
		}
		return nil, nil, fmt.Errorf("emulation failed: %s", errorMsg)
	default:
		return nil, nil, fmt.Errorf("unexpected emulator message: %s", msg.Payload)
	}

	response, err := c.rdb.HGet(ctx, "result_"+taskID, "response").Result()
	if err != nil {
		return nil, nil, fmt.Errorf("fetch emulation result: %w", err)
	}

	var resp models.TracesResponse
	if err := json.Unmarshal([]byte(response), &resp); err != nil {
		return nil, nil, fmt.Errorf("decode emulation result: %w", err)
	}
	if len(resp.Traces) == 0 {
		return nil, nil, fmt.Errorf("emulation produced no trace")
	}
	return resp.Traces[0], resp.AddressBook, nil
}
