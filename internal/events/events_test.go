package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/task"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func sampleTask() *task.Task {
	tk := task.New("demo", "u1", task.ModeContinuous, task.ModelSpec{ModelName: "m"}, "ds", time.Now())
	tk.CurrentIteration = 2
	return tk
}

func TestStatusChanged(t *testing.T) {
	tk := sampleTask()
	tk.Status = task.StatusLooping
	tk.LatestScore = task.Ptr(0.9)

	e := StatusChanged(tk, task.StatusEvaluating, time.Now())
	assert.Equal(t, TypeStatusChanged, e.Type)
	assert.Equal(t, task.StatusEvaluating, e.From)
	assert.Equal(t, task.StatusLooping, e.To)
	assert.Equal(t, 2, e.Iteration)
	assert.Equal(t, "u1", e.OwnerID)
	assert.NotEmpty(t, e.ID)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	tk := sampleTask()
	now := time.Now()
	row := task.StartExecution(tk.ID, 1, task.PhaseTraining, "ds", now)

	require.NoError(t, r.Publish(context.Background(), New(TypeTaskCreated, tk, now)))
	require.NoError(t, r.Publish(context.Background(), PhaseEvent(TypePhaseStarted, tk, row, now)))

	assert.Len(t, r.Events(), 2)
	started := r.OfType(TypePhaseStarted)
	require.Len(t, started, 1)
	assert.Equal(t, task.PhaseTraining, started[0].Phase)
	assert.Equal(t, 1, started[0].Iteration, "phase events carry the row iteration")
}

func TestNATSPublisher(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("trainloop.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := NewNATSPublisher(NATSConfig{URL: server.ClientURL()})
	require.NoError(t, err)
	defer p.Close()

	tk := sampleTask()
	tk.Status = task.StatusTraining
	require.NoError(t, p.Publish(context.Background(), StatusChanged(tk, task.StatusOptimizing, time.Now())))

	select {
	case msg := <-msgs:
		assert.Equal(t, "trainloop.task.status_changed", msg.Subject)
		assert.Equal(t, tk.ID, msg.Header.Get("Task-Id"))
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, task.StatusTraining, got.To)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	p := NewNATSPublisherWithConn(nc, "custom")
	assert.Equal(t, "custom.phase.failed", p.Subject(TypePhaseFailed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, New(TypeTaskCreated, sampleTask(), time.Now())), context.Canceled)
	require.NoError(t, p.Close(), "borrowed connections are left open")
	assert.True(t, nc.IsConnected())
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestKafkaPublisher(t *testing.T) {
	w := &mockWriter{}
	p := &KafkaPublisher{writer: w}
	tk := sampleTask()

	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 || string(msgs[0].Key) != tk.ID {
			return false
		}
		var e Event
		return json.Unmarshal(msgs[0].Value, &e) == nil && e.Type == TypeTaskCreated
	})).Return(nil).Once()
	w.On("Close").Return(nil)

	require.NoError(t, p.Publish(context.Background(), New(TypeTaskCreated, tk, time.Now())))
	require.NoError(t, p.Close())
	w.AssertExpectations(t)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &mockWriter{}
	p := &KafkaPublisher{writer: w}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	err := p.Publish(context.Background(), New(TypeTaskDeleted, sampleTask(), time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "trainloop.events"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}
