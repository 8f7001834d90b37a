// Package endpoint persists alert receiver configuration: the set of HTTP
// destinations alerts fan out to, plus a small settings table for global
// identifiers. Reads are safe under concurrent writers; receiver writes are
// whole-record replace-or-insert, settings are last-writer-wins.
package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hearline/backend/internal/kv"
)

// Encoding selects how an event is serialized for a receiver.
type Encoding string

const (
	EncodingJSON      Encoding = "json"
	EncodingMultipart Encoding = "multipart"
)

var (
	ErrNotFound = errors.New("endpoint: not found")
	ErrInvalid  = errors.New("endpoint: invalid receiver")
)

// Receiver is one configured alert destination. The URL and method are
// opaque here; they are only exercised at dispatch time.
type Receiver struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Encoding  Encoding  `json:"encoding"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Well-known settings keys. Group and sender ids are seeded on first boot;
// the note override is absent until an operator sets it.
const (
	SettingGroupID  = "group_id"
	SettingSenderID = "sender_id"
	SettingNote     = "note"

	defaultGroupID  = "group_default_001"
	defaultSenderID = "voice_asr_system"
)

const (
	receiverPrefix = "receivers/"
	settingPrefix  = "settings/"
	nextIDKey      = "meta/next_receiver_id"
)

type settingRecord struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	mu  sync.RWMutex
	kv  kv.Store
	log *slog.Logger
}

// NewStore wraps the given kv store and seeds default settings on first use.
func NewStore(kvs kv.Store, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{kv: kvs, log: log}
	if err := s.seedDefaults(); err != nil {
		return nil, fmt.Errorf("seed default settings: %w", err)
	}
	return s, nil
}

func (s *Store) seedDefaults() error {
	defaults := map[string]string{
		SettingGroupID:  defaultGroupID,
		SettingSenderID: defaultSenderID,
	}
	for key, value := range defaults {
		_, err := s.Setting(key)
		if errors.Is(err, ErrNotFound) {
			if err := s.SetSetting(key, value); err != nil {
				return err
			}
			s.log.Info("seeded default setting", "key", key, "value", value)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Add stores a new receiver and returns it with its assigned id and
// timestamps filled in.
func (s *Store) Add(r Receiver) (Receiver, error) {
	if err := normalize(&r); err != nil {
		return Receiver{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.allocateID()
	if err != nil {
		return Receiver{}, err
	}

	now := time.Now().UTC()
	r.ID = id
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.putReceiver(r); err != nil {
		return Receiver{}, err
	}
	return r, nil
}

// Update replaces the stored receiver with the same id. The id and creation
// time are immutable; everything else is taken from r.
func (s *Store) Update(r Receiver) (Receiver, error) {
	if err := normalize(&r); err != nil {
		return Receiver{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getReceiver(r.ID)
	if err != nil {
		return Receiver{}, err
	}

	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()

	if err := s.putReceiver(r); err != nil {
		return Receiver{}, err
	}
	return r, nil
}

// Remove deletes the receiver with the given id.
func (s *Store) Remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getReceiver(id); err != nil {
		return err
	}
	return s.kv.Delete(receiverKey(id))
}

// Get returns the receiver with the given id.
func (s *Store) Get(id int) (Receiver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getReceiver(id)
}

// List returns all receivers ordered by id.
func (s *Store) List() ([]Receiver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receivers := []Receiver{}
	err := s.kv.List(receiverPrefix, func(key string, value []byte) error {
		var r Receiver
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("decode receiver %s: %w", key, err)
		}
		receivers = append(receivers, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receivers, nil
}

// Enabled returns the receivers that alerts currently fan out to.
func (s *Store) Enabled() ([]Receiver, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

// Setting returns the value stored under the given settings key.
func (s *Store) Setting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.kv.Get(settingPrefix + key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	var rec settingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("decode setting %q: %w", key, err)
	}
	return rec.Value, nil
}

// SetSetting stores a settings value, stamping the write time.
func (s *Store) SetSetting(key, value string) error {
	data, err := json.Marshal(settingRecord{Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(settingPrefix+key, data)
}

// Settings returns all settings as a flat key/value map.
func (s *Store) Settings() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]string{}
	err := s.kv.List(settingPrefix, func(key string, value []byte) error {
		var rec settingRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode setting %s: %w", key, err)
		}
		out[key[len(settingPrefix):]] = rec.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Identity returns the configured group and sender identifiers, falling back
// to the seeded defaults if either is missing.
func (s *Store) Identity() (groupID, senderID string) {
	groupID, err := s.Setting(SettingGroupID)
	if err != nil {
		groupID = defaultGroupID
	}
	senderID, err = s.Setting(SettingSenderID)
	if err != nil {
		senderID = defaultSenderID
	}
	return groupID, senderID
}

func (s *Store) getReceiver(id int) (Receiver, error) {
	data, err := s.kv.Get(receiverKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return Receiver{}, ErrNotFound
	}
	if err != nil {
		return Receiver{}, err
	}

	var r Receiver
	if err := json.Unmarshal(data, &r); err != nil {
		return Receiver{}, fmt.Errorf("decode receiver %d: %w", id, err)
	}
	return r, nil
}

func (s *Store) putReceiver(r Receiver) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.kv.Set(receiverKey(r.ID), data)
}

func (s *Store) allocateID() (int, error) {
	next := 1
	data, err := s.kv.Get(nextIDKey)
	if err == nil {
		next, err = strconv.Atoi(string(data))
		if err != nil {
			return 0, fmt.Errorf("corrupt receiver id counter: %w", err)
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return 0, err
	}

	if err := s.kv.Set(nextIDKey, []byte(strconv.Itoa(next+1))); err != nil {
		return 0, err
	}
	return next, nil
}

// receiverKey zero-pads the id so kv iteration order matches id order.
func receiverKey(id int) string {
	return fmt.Sprintf("%s%08d", receiverPrefix, id)
}

func normalize(r *Receiver) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if r.Method == "" {
		r.Method = "POST"
	}
	switch r.Encoding {
	case "":
		r.Encoding = EncodingJSON
	case EncodingJSON, EncodingMultipart:
	default:
		return fmt.Errorf("%w: unknown encoding %q", ErrInvalid, r.Encoding)
	}
	return nil
}
