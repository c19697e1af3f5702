package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"collabCoordinator/backend/internal/metrics"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Enqueue 只负责入队，不阻塞中继/保存主流程
// - Kafka 短暂不可用时靠队列吸收，后台补发
// - 重试耗尽后丢弃并记录日志
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan CollabEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	log zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	// closing 在 mu 下置位；inflight 统计已通过检查、尚未返回的 Enqueue
	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *KafkaDispatcherOptions) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions, log zerolog.Logger) *KafkaDispatcher {
	opt.withDefaults()
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan CollabEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		log:         log.With().Str("component", "kafka").Logger(),
		closed:      make(chan struct{}),
	}

	d.start()
	return d
}

// Enqueue：把事件放入本地队列。
// 队列满时等待直到 ctx 结束，超时返回错误（事件流不要求强一致，允许丢）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt CollabEvent) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	select {
	case d.queue <- evt:
		return nil
	case <-d.closed:
		return ErrDispatcherClosed
	case <-ctx.Done():
		metrics.KafkaEvents.WithLabelValues("queue_full").Inc()
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等待队列里已有的事件发送完（或重试耗尽）。
// 所有已被接受的事件都会在 Close 返回前发出。
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closing = true
		close(d.closed)
		d.mu.Unlock()
	})
	// 等并发的 Enqueue 返回，之后队列不会再有新事件
	d.inflight.Wait()
	d.wg.Wait()
	// worker 排空之后才入队的事件
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(-1, evt)
		default:
			return
		}
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.closed:
			// 排空剩余事件
			for {
				select {
				case evt := <-d.queue:
					d.sendWithRetry(workerID, evt)
				default:
					return
				}
			}
		}
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CollabEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待，不影响主链路
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			metrics.KafkaEvents.WithLabelValues("sent").Inc()
			return
		}

		if attempt == d.maxRetry {
			metrics.KafkaEvents.WithLabelValues("dropped").Inc()
			d.log.Error().Err(err).Str("doc", evt.DocID).Str("event", evt.EventType).
				Uint64("seq", evt.Sequence).Uint64("version", evt.Version).Int("worker", workerID).
				Msg("kafka send failed, drop event")
			return
		}

		// 退避，每次翻倍
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt CollabEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
