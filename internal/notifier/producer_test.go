package notifier

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Log-Tools/schema-change-notifier/internal/config"
	"github.com/Log-Tools/schema-change-notifier/internal/model"
)

type fakeProducer struct {
	produced     []*kafka.Message
	deliverErr   error
	flushed      bool
	closed       bool
	noDeliver    bool
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.produced = append(f.produced, msg)
	if f.noDeliver {
		return nil
	}
	go func() {
		m := *msg
		m.TopicPartition.Error = f.deliverErr
		deliveryChan <- &m
	}()
	return nil
}

func (f *fakeProducer) Flush(timeoutMs int) int { f.flushed = true; return 0 }
func (f *fakeProducer) Close()                  { f.closed = true }

func testConfig(targetURL string, dryRun bool) *config.Config {
	cfg := config.New()
	cfg.TargetTopic = "schema-change-notifications"
	cfg.TargetSchemaRegistryURL = targetURL
	cfg.TargetSchemaRegistryAPIKey = "k"
	cfg.TargetSchemaRegistryAPISecret = "s"
	cfg.DryRun = dryRun
	return cfg
}

func TestNew_RegistersSchemaUnderTopicValueSubject(t *testing.T) {
	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		fmt.Fprint(w, `{"id":1}`)
	}))
	defer server.Close()

	_, err := New(testConfig(server.URL, false), &fakeProducer{}, zap.NewNop())

	require.NoError(t, err)
	assert.Equal(t, "/subjects/schema-change-notifications-value/versions", requestedPath)
}

func TestNew_RegistrationFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	_, err := New(testConfig(server.URL, false), &fakeProducer{}, zap.NewNop())

	require.Error(t, err)
	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "schema-change-notifications-value", pubErr.Subject)
}

func TestNew_DryRunSkipsRegistration(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	_, err := New(testConfig(server.URL, true), &fakeProducer{}, zap.NewNop())

	require.NoError(t, err)
	assert.False(t, called)
}

func TestSend_UsesSubjectAsRecordKey(t *testing.T) {
	fp := &fakeProducer{}
	p := &Producer{log: zap.NewNop(), kafka: fp, topic: "out"}

	ok := p.Send(&model.Notification{Subject: "orders-value", EventType: model.EventSchemaRegistered, Timestamp: "t"})

	assert.True(t, ok)
	require.Len(t, fp.produced, 1)
	assert.Equal(t, "orders-value", string(fp.produced[0].Key))
}

func TestSend_MissingSubjectUsesUnknownKey(t *testing.T) {
	fp := &fakeProducer{}
	p := &Producer{log: zap.NewNop(), kafka: fp, topic: "out"}

	p.Send(&model.Notification{EventType: model.EventSubjectDeleted, Timestamp: "t"})

	require.Len(t, fp.produced, 1)
	assert.Equal(t, "unknown", string(fp.produced[0].Key))
}

func TestSend_DeliveryErrorReturnsFalse(t *testing.T) {
	fp := &fakeProducer{deliverErr: kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false)}
	p := &Producer{log: zap.NewNop(), kafka: fp, topic: "out"}

	ok := p.Send(&model.Notification{Subject: "s", Timestamp: "t"})

	assert.False(t, ok)
}

func TestSend_DryRunReturnsTrueWithoutProducing(t *testing.T) {
	fp := &fakeProducer{}
	p := &Producer{log: zap.NewNop(), kafka: fp, topic: "out", dryRun: true}

	ok := p.Send(&model.Notification{Subject: "s", Timestamp: "t"})

	assert.True(t, ok)
	assert.Empty(t, fp.produced)
}

func TestSend_TimesOutWhenNoDeliveryReportArrives(t *testing.T) {
	fp := &fakeProducer{noDeliver: true}
	p := &Producer{log: zap.NewNop(), kafka: fp, topic: "out"}

	start := time.Now()
	ok := p.Send(&model.Notification{Subject: "s", Timestamp: "t"})

	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), sendTimeout)
}

func TestClose_FlushesAndClosesProducer(t *testing.T) {
	fp := &fakeProducer{}
	p := &Producer{log: zap.NewNop(), kafka: fp, topic: "out"}

	p.Close()

	assert.True(t, fp.flushed)
	assert.True(t, fp.closed)
}
