package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collabCoordinator/backend/internal/metrics"
	"collabCoordinator/backend/internal/permission"
)

// VersionStore 持久化文档版本；版本号由存储层原子分配
type VersionStore interface {
	CreateVersion(ctx context.Context, docID, title, content string, authorID uint64) (VersionSnapshot, error)
}

type SaveRequest struct {
	DocID   string
	UserID  uint64
	ConnID  string // 发起保存的连接，广播时排除
	Title   string
	Content string
}

type SaverOptions struct {
	GateTimeout  time.Duration
	StoreTimeout time.Duration
	// 同时落库的保存数上限
	MaxConcurrent int
}

func (o *SaverOptions) withDefaults() {
	if o.GateTimeout <= 0 {
		o.GateTimeout = 2 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 32
	}
}

// Saver 保存协调：落库前重新校验编辑权限，成功后广播 article-saved。
// 失败只返回给调用方，不广播。
type Saver struct {
	gate        permission.Gate
	store       VersionStore
	broadcaster *Broadcaster
	sink        EventSink
	sem         *SemaphoreControl
	opts        SaverOptions
	log         zerolog.Logger
}

// gate 应该是不带缓存的实现，保证角色被收回后立即生效
func NewSaver(gate permission.Gate, store VersionStore, broadcaster *Broadcaster, sink EventSink, opts SaverOptions, log zerolog.Logger) *Saver {
	opts.withDefaults()
	return &Saver{
		gate:        gate,
		store:       store,
		broadcaster: broadcaster,
		sink:        sink,
		sem:         NewSemaphoreControl(opts.MaxConcurrent),
		opts:        opts,
		log:         log.With().Str("component", "saver").Logger(),
	}
}

func (s *Saver) Save(ctx context.Context, req SaveRequest) (VersionSnapshot, error) {
	start := time.Now()
	snap, err := s.save(ctx, req)
	metrics.SaveDuration.Observe(time.Since(start).Seconds())
	metrics.Saves.WithLabelValues(saveResult(err)).Inc()
	if err != nil {
		s.log.Warn().Err(err).Str("doc", req.DocID).Uint64("user", req.UserID).Msg("save failed")
		return VersionSnapshot{}, err
	}
	s.log.Info().Str("doc", snap.DocID).Uint64("version", snap.Version).Uint64("user", snap.AuthorID).Msg("document saved")
	return snap, nil
}

func (s *Saver) save(ctx context.Context, req SaveRequest) (VersionSnapshot, error) {
	if err := CheckGate(ctx, s.gate, s.opts.GateTimeout, req.UserID, req.DocID, permission.RoleEditor); err != nil {
		return VersionSnapshot{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.sem.Acquire(sctx); err != nil {
		return VersionSnapshot{}, fmt.Errorf("%w: %w", ErrPersistence, context.DeadlineExceeded)
	}
	snap, err := s.store.CreateVersion(sctx, req.DocID, req.Title, req.Content, req.UserID)
	_ = s.sem.Release()
	if err != nil {
		if errors.Is(err, permission.ErrDocumentNotFound) {
			return VersionSnapshot{}, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return VersionSnapshot{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.broadcaster.Publish(req.DocID, Event{
		Type:      EventArticleSaved,
		DocID:     snap.DocID,
		UserID:    snap.AuthorID,
		Version:   snap.Version,
		Title:     snap.Title,
		Timestamp: stamp(snap.CreatedAt),
	}, req.ConnID)

	if s.sink != nil {
		ectx, ecancel := context.WithTimeout(context.Background(), sinkEnqueueTimeout)
		if err := s.sink.Enqueue(ectx, CollabEvent{
			EventType:  KafkaEventArticleSaved,
			DocID:      snap.DocID,
			AuthorID:   snap.AuthorID,
			ConnID:     req.ConnID,
			Version:    snap.Version,
			Title:      snap.Title,
			OccurredAt: snap.CreatedAt,
		}); err != nil {
			s.log.Warn().Err(err).Str("doc", snap.DocID).Uint64("version", snap.Version).Msg("save not forwarded to event stream")
		}
		ecancel()
	}
	return snap, nil
}

// SavedEvent 构造发给保存者本人的 article-saved
func SavedEvent(snap VersionSnapshot) Event {
	return Event{
		Type:      EventArticleSaved,
		DocID:     snap.DocID,
		UserID:    snap.AuthorID,
		Version:   snap.Version,
		Title:     snap.Title,
		Timestamp: stamp(snap.CreatedAt),
	}
}

// CheckGate 在超时内调用权限校验，并把结果映射成协作层的错误。
// 校验失败（超时、存储不可用）一律拒绝。
func CheckGate(ctx context.Context, gate permission.Gate, timeout time.Duration, userID uint64, docID string, required permission.Role) error {
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := gate.CheckAccess(gctx, userID, docID, required)
	switch {
	case errors.Is(err, permission.ErrDocumentNotFound):
		return fmt.Errorf("%w: document %s", ErrNotFound, docID)
	case err != nil:
		return fmt.Errorf("%w: %w", ErrPermissionUnavailable, err)
	case !ok:
		return fmt.Errorf("%w: user %d needs %s on %s", ErrAccessDenied, userID, required, docID)
	}
	return nil
}

func saveResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAccessDenied):
		return "denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionUnavailable):
		return "gate_error"
	default:
		return "store_error"
	}
}
