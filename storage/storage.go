// Package storage handles persistence of subscribers.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"forumwatch/pkg/forum"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when no subscriber record exists for an id.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store handles subscriber persistence in a GCS bucket or, for local
// development, a directory of JSON files.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. When localPath is set the client and
// bucket are ignored.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// SubscriberKey returns the object name for a telegram id.
func SubscriberKey(telegramID int64) string {
	return fmt.Sprintf("sub-%d.json", telegramID)
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			logger.Info("Retrying "+op+" operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

// Save saves a subscriber.
func (s *Store) Save(ctx context.Context, sub *forum.Subscriber) error {
	if sub.TelegramID == 0 {
		return errors.New("subscriber has no telegram id")
	}
	key := SubscriberKey(sub.TelegramID)
	s.logger.Debug("Saving subscriber", "key", key, "subscriber_id", sub.TelegramID)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}

		s.logger.Info("Subscriber saved to local storage", "path", filePath, "subscriber_id", sub.TelegramID, "blocked", sub.Blocked)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Subscriber saved", "key", key, "subscriber_id", sub.TelegramID, "blocked", sub.Blocked)
	return nil
}

// Get loads a subscriber by telegram id. A missing record yields an error
// for which IsNotFound reports true.
func (s *Store) Get(ctx context.Context, telegramID int64) (*forum.Subscriber, error) {
	return s.load(ctx, SubscriberKey(telegramID))
}

func (s *Store) load(ctx context.Context, key string) (*forum.Subscriber, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		var readData []byte
		var missing bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						missing = true
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOptions(ctx, s.logger, "load", key)...,
		)
		if missing {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var sub forum.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}

	return &sub, nil
}

// SetBlocked marks a subscriber as having blocked the bot. Blocked
// subscribers are excluded from WithMentions until preferences reset it.
func (s *Store) SetBlocked(ctx context.Context, telegramID int64) error {
	sub, err := s.Get(ctx, telegramID)
	if err != nil {
		return fmt.Errorf("load subscriber %d: %w", telegramID, err)
	}
	if sub.Blocked {
		return nil
	}

	sub.Blocked = true
	if err := s.Save(ctx, sub); err != nil {
		return fmt.Errorf("save subscriber %d: %w", telegramID, err)
	}

	s.logger.Info("Subscriber marked blocked", "subscriber_id", telegramID)
	return nil
}

// List lists all subscribers.
func (s *Store) List(ctx context.Context) ([]*forum.Subscriber, error) {
	var subs []*forum.Subscriber

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !isSubscriberKey(entry.Name()) {
				continue
			}

			sub, err := s.load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load subscriber", "file", entry.Name(), "error", err)
				continue
			}

			subs = append(subs, sub)
		}

		return subs, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "sub-",
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if !isSubscriberKey(attrs.Name) {
			continue
		}

		sub, err := s.load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load subscriber", "key", attrs.Name, "error", err)
			continue
		}

		subs = append(subs, sub)
	}

	return subs, nil
}

// WithMentions returns subscribers who enabled mention notifications and
// have not blocked the bot.
func (s *Store) WithMentions(ctx context.Context) ([]*forum.Subscriber, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var subs []*forum.Subscriber
	for _, sub := range all {
		if sub.EnableMentions && !sub.Blocked {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func isSubscriberKey(name string) bool {
	id, ok := strings.CutPrefix(name, "sub-")
	if !ok {
		return false
	}
	id, ok = strings.CutSuffix(id, ".json")
	if !ok {
		return false
	}
	_, err := strconv.ParseInt(id, 10, 64)
	return err == nil
}

// IsNotFound checks if an error indicates a subscriber was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
