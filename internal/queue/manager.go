package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/Woody88/sitelink-sub001/internal/interfaces"
	"github.com/Woody88/sitelink-sub001/internal/models"
)

// Queue names, one per pipeline stage. Each stage's workers poll only their
// own queue so a backlog in one stage never starves another.
const (
	QueueSplit    = "plan-split"
	QueueMetadata = "sheet-metadata"
	QueueMarker   = "marker-detection"
	QueueTile     = "tile-generation"
)

// queueForType routes an envelope to its stage queue by message type.
func queueForType(msgType string) (string, error) {
	switch msgType {
	case models.MessageTypeSplit:
		return QueueSplit, nil
	case models.MessageTypeMetadata:
		return QueueMetadata, nil
	case models.MessageTypeMarker:
		return QueueMarker, nil
	case models.MessageTypeTile:
		return QueueTile, nil
	default:
		return "", fmt.Errorf("no queue for message type: %s", msgType)
	}
}

// Envelope is the internal structure stored in Badger. It wraps the stage
// message with delivery bookkeeping: visibility for at-least-once redelivery
// and a receive count for dead-lettering poison messages.
type Envelope struct {
	ID           string               `json:"id"`
	Queue        string               `json:"queue"`
	Body         *models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	VisibleAt    time.Time            `json:"visible_at"`
	ReceiveCount int                  `json:"receive_count"`
}

// DeadLetterFunc is invoked after a message exhausts its receive budget and
// is moved to the dead-letter bucket.
type DeadLetterFunc func(queueName string, env *Envelope)

// Manager implements persistent named queues on BadgerDB with visibility
// timeouts. A received message stays invisible until its timeout elapses or
// the caller's delete function acks it; unacked messages are redelivered.
//
// Key layout per queue:
//
//	queue:{name}:msg:{id}                      message data
//	queue:{name}:index:{%020d visibleAt}:{id}  visibility index (sorted scan)
//	queue:{name}:dead:{id}                     dead-lettered messages
type Manager struct {
	db                *badger.DB
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
	onDeadLetter      DeadLetterFunc
}

// NewManager creates a queue manager on an existing Badger database
func NewManager(db *badger.DB, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &Manager{
		db:                db,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

var _ interfaces.Enqueuer = (*Manager)(nil)

// OnDeadLetter registers a callback invoked whenever a message is
// dead-lettered. Must be set before workers start.
func (m *Manager) OnDeadLetter(fn DeadLetterFunc) {
	m.onDeadLetter = fn
}

// Enqueue routes the message to its stage queue by type and stores it,
// immediately visible.
func (m *Manager) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	queueName, err := queueForType(msg.Type)
	if err != nil {
		return err
	}
	return m.EnqueueTo(ctx, queueName, msg)
}

// EnqueueTo adds a message to a specific queue
func (m *Manager) EnqueueTo(ctx context.Context, queueName string, msg *models.QueueMessage) error {
	if msg.ID == "" {
		return errors.New("message ID is required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	env := Envelope{
		ID:           msg.ID,
		Queue:        queueName,
		Body:         msg,
		EnqueuedAt:   msg.EnqueuedAt,
		VisibleAt:    time.Now(),
		ReceiveCount: 0,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue envelope: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(queueName, env.ID), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(queueName, env.VisibleAt, env.ID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	m.logger.Debug().
		Str("queue", queueName).
		Str("message_id", msg.ID).
		Str("type", msg.Type).
		Msg("Message enqueued")
	return nil
}

// Receive pulls the next visible message from the queue. Returns the message
// and a delete function to call after successful processing; a message that
// is never deleted becomes visible again after the visibility timeout.
// Returns models.ErrNoMessage when no message is ready.
func (m *Manager) Receive(ctx context.Context, queueName string) (*models.QueueMessage, func() error, error) {
	var env Envelope
	var dead []*Envelope

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(queueName, key)
			if err != nil {
				continue
			}

			// Index keys sort by timestamp; the first future entry ends the scan
			if ts.After(now) {
				break
			}

			msgKey := m.msgKey(queueName, id)
			item, err := txn.Get(msgKey)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var candidate Envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			}); err != nil {
				return err
			}

			if candidate.ReceiveCount >= m.maxReceive {
				// Receive budget exhausted: move to the dead-letter bucket
				// instead of looping forever on a poison message
				deadData, err := json.Marshal(&candidate)
				if err != nil {
					return err
				}
				if err := txn.Set(m.deadKey(queueName, id), deadData); err != nil {
					return err
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(msgKey); err != nil {
					return err
				}
				deadEnv := candidate
				dead = append(dead, &deadEnv)
				continue
			}

			env = candidate
			found = true

			// Claim: bump receive count and push visibility forward
			env.ReceiveCount++
			env.VisibleAt = now.Add(m.visibilityTimeout)

			newData, err := json.Marshal(&env)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey, newData); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			return txn.Set(m.indexKey(queueName, env.VisibleAt, env.ID), []byte{})
		}

		if !found {
			return models.ErrNoMessage
		}
		return nil
	})

	// Dead-letter notifications run outside the transaction
	for _, d := range dead {
		m.logger.Warn().
			Str("queue", queueName).
			Str("message_id", d.ID).
			Int("receive_count", d.ReceiveCount).
			Msg("Message dead-lettered after exceeding receive budget")
		if m.onDeadLetter != nil {
			m.onDeadLetter(queueName, d)
		}
	}

	if err != nil {
		return nil, nil, err
	}

	msgID := env.ID
	deleteFn := func() error {
		return m.delete(queueName, msgID)
	}

	return env.Body, deleteFn, nil
}

// Extend pushes the visibility timeout further out for a long-running job
func (m *Manager) Extend(ctx context.Context, queueName, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(queueName, messageID)
		item, err := txn.Get(msgKey)
		if err != nil {
			return err
		}

		var env Envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		oldVisibleAt := env.VisibleAt
		env.VisibleAt = time.Now().Add(duration)

		newData, err := json.Marshal(&env)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey, newData); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(queueName, oldVisibleAt, messageID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.indexKey(queueName, env.VisibleAt, messageID), []byte{})
	})
}

// DeadLetters returns the dead-lettered envelopes of a queue
func (m *Manager) DeadLetters(ctx context.Context, queueName string) ([]*Envelope, error) {
	var envs []*Envelope
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("queue:%s:dead:", queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var env Envelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}
			envs = append(envs, &env)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return envs, nil
}

// Depth returns the number of messages currently stored in a queue,
// including invisible in-flight ones
func (m *Manager) Depth(ctx context.Context, queueName string) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Close closes the queue manager. The Badger handle is owned by the caller.
func (m *Manager) Close() error {
	return nil
}

func (m *Manager) delete(queueName, messageID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(queueName, messageID)
		item, err := txn.Get(msgKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // Already deleted
			}
			return err
		}

		var env Envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(queueName, env.VisibleAt, messageID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(msgKey)
	})
}

func (m *Manager) msgKey(queueName, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queueName, id))
}

func (m *Manager) deadKey(queueName, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%s", queueName, id))
}

func (m *Manager) indexKey(queueName string, visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so lexicographic order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queueName, visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(queueName string, key []byte) (time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", queueName)
	if len(key) <= len(prefixStr) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefixStr):])
	if len(suffix) < 22 { // 20 digits, colon, at least one id char
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), id, nil
}
