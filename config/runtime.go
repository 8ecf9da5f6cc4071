package config

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// Store is the single source of truth for runtime-tunable settings. One
// instance per process, created uninitialized and driven through
// Bootstrap → get/set → Shutdown.
//
// All field access is serialized behind one store-wide mutex; the persistence
// queue synchronizes independently. Mutex hold times are struct field
// reads/writes only, never I/O.
type Store struct {
	mu          sync.Mutex
	settings    Settings
	generation  uint64
	initialized bool

	path  string
	queue persistQueue
	log   zerolog.Logger

	// save is replaceable in tests to simulate storage failures.
	save func(path string, st *Settings) error

	flushStop chan struct{}
	flushDone chan struct{}
}

// NewStore creates an uninitialized store persisting to path.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{
		path: path,
		log:  log.With().Str("component", "config").Logger(),
		save: saveINI,
	}
}

// Bootstrap loads the INI file over schema defaults and marks the store
// initialized. Calling it twice is an error, not a reload.
func (s *Store) Bootstrap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return errors.AlreadyExistsf("configuration store")
	}

	s.settings = Defaults()
	if err := loadINI(s.path, &s.settings, s.log); err != nil {
		// A missing file is a first boot, not a failure.
		if !errors.IsNotFound(err) {
			return errors.Annotate(err, "loading configuration")
		}
		s.log.Warn().Str("path", s.path).Msg("config file missing, using defaults")
	}

	s.generation = 0
	s.initialized = true
	s.queue.reset()
	return nil
}

// StartFlusher runs a background loop flushing the persistence queue every
// interval until Shutdown.
func (s *Store) StartFlusher(interval time.Duration) {
	s.mu.Lock()
	if !s.initialized || s.flushStop != nil {
		s.mu.Unlock()
		return
	}
	s.flushStop = make(chan struct{})
	s.flushDone = make(chan struct{})
	stop, done := s.flushStop, s.flushDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Flush(); err != nil {
					s.log.Warn().Err(err).Msg("periodic config flush failed, queue retained")
				}
			case <-stop:
				return
			}
		}
	}()
}

// Shutdown flushes any pending entries and clears the store. The store
// returns to the uninitialized state and must be bootstrapped again before
// use.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return errors.NotProvisionedf("configuration store")
	}
	stop, done := s.flushStop, s.flushDone
	s.flushStop, s.flushDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	if s.queue.pending() > 0 {
		if err := s.Flush(); err != nil {
			s.log.Error().Err(err).Msg("final config flush failed")
		}
	}

	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
	s.queue.reset()
	return nil
}

// Generation returns the mutation counter. Readers poll it to detect change
// without snapshotting the whole store.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Store) resolve(section Section, key string, want ValueType) (fieldRef, Entry, error) {
	if section < 0 || section >= sectionCount {
		return fieldRef{}, Entry{}, errors.NotValidf("section %d", int(section))
	}
	if key == "" {
		return fieldRef{}, Entry{}, errors.NotValidf("empty key")
	}
	if !s.initialized {
		return fieldRef{}, Entry{}, errors.NotProvisionedf("configuration store")
	}

	entry, ok := SchemaLookup(section, key)
	if !ok {
		return fieldRef{}, Entry{}, errors.NotFoundf("config key %s.%s", section, key)
	}
	if entry.Type != want {
		return fieldRef{}, Entry{}, errors.NotValidf("type of %s.%s", section, key)
	}

	ref, ok := s.settings.field(section, key)
	if !ok {
		return fieldRef{}, Entry{}, errors.NotFoundf("storage for %s.%s", section, key)
	}
	return ref, entry, nil
}

// GetInt reads an int-typed entry.
func (s *Store) GetInt(section Section, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, _, err := s.resolve(section, key, TypeInt)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return *ref.i, nil
}

// GetBool reads a bool-typed entry.
func (s *Store) GetBool(section Section, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, _, err := s.resolve(section, key, TypeBool)
	if err != nil {
		return false, errors.Trace(err)
	}
	return *ref.b, nil
}

// GetString reads a string-typed entry.
func (s *Store) GetString(section Section, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, _, err := s.resolve(section, key, TypeString)
	if err != nil {
		return "", errors.Trace(err)
	}
	return *ref.s, nil
}

// GetFloat reads a float-typed entry.
func (s *Store) GetFloat(section Section, key string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, _, err := s.resolve(section, key, TypeFloat)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return *ref.f, nil
}

// SetInt validates against schema bounds, mutates the store, bumps the
// generation counter and queues the change for persistence. Out-of-range
// values are rejected; clamping only happens on file load.
func (s *Store) SetInt(section Section, key string, value int) error {
	s.mu.Lock()
	ref, entry, err := s.resolve(section, key, TypeInt)
	if err != nil {
		s.mu.Unlock()
		return errors.Trace(err)
	}
	if value < entry.Min || value > entry.Max {
		s.mu.Unlock()
		return errors.NotValidf("%s.%s value %d outside [%d,%d]", section, key, value, entry.Min, entry.Max)
	}
	*ref.i = value
	s.generation++
	s.mu.Unlock()

	return s.enqueue(section, key, queueValue{kind: TypeInt, i: value})
}

// SetBool mutates a bool-typed entry.
func (s *Store) SetBool(section Section, key string, value bool) error {
	s.mu.Lock()
	ref, _, err := s.resolve(section, key, TypeBool)
	if err != nil {
		s.mu.Unlock()
		return errors.Trace(err)
	}
	*ref.b = value
	s.generation++
	s.mu.Unlock()

	return s.enqueue(section, key, queueValue{kind: TypeBool, b: value})
}

// SetString validates length against the schema and mutates the entry.
func (s *Store) SetString(section Section, key string, value string) error {
	s.mu.Lock()
	ref, entry, err := s.resolve(section, key, TypeString)
	if err != nil {
		s.mu.Unlock()
		return errors.Trace(err)
	}
	if entry.MaxLen > 0 && len(value) >= entry.MaxLen {
		s.mu.Unlock()
		return errors.NotValidf("%s.%s length %d exceeds %d", section, key, len(value), entry.MaxLen-1)
	}
	*ref.s = value
	s.generation++
	s.mu.Unlock()

	return s.enqueue(section, key, queueValue{kind: TypeString, s: value})
}

// SetFloat mutates a float-typed entry.
func (s *Store) SetFloat(section Section, key string, value float64) error {
	s.mu.Lock()
	ref, entry, err := s.resolve(section, key, TypeFloat)
	if err != nil {
		s.mu.Unlock()
		return errors.Trace(err)
	}
	if value < float64(entry.Min) || value > float64(entry.Max) {
		s.mu.Unlock()
		return errors.NotValidf("%s.%s value %g outside [%d,%d]", section, key, value, entry.Min, entry.Max)
	}
	*ref.f = value
	s.generation++
	s.mu.Unlock()

	return s.enqueue(section, key, queueValue{kind: TypeFloat, f: value})
}

func (s *Store) enqueue(section Section, key string, v queueValue) error {
	if err := s.queue.enqueue(section, key, v); err != nil {
		s.log.Warn().Err(err).
			Str("section", section.String()).Str("key", key).
			Msg("persistence enqueue failed, change held in memory only")
		return errors.Trace(err)
	}
	return nil
}

// PendingWrites reports the persistence queue depth.
func (s *Store) PendingWrites() int {
	return s.queue.pending()
}

// Flush serializes the whole configuration to the canonical file and clears
// the queued entries it covered. On failure the queue is left intact so a
// later flush retries them; pending writes are never silently dropped.
func (s *Store) Flush() error {
	count := s.queue.pending()
	if count == 0 {
		return nil
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return errors.NotProvisionedf("configuration store")
	}
	snapshot := s.settings
	s.mu.Unlock()

	if err := s.save(s.path, &snapshot); err != nil {
		return errors.Annotatef(err, "persisting %d queued entries", count)
	}

	s.queue.drain(count)
	s.log.Debug().Int("entries", count).Str("path", s.path).Msg("config flushed")
	return nil
}

// Snapshot copies the current settings. Intended for startup wiring, not for
// handler reads; handlers use the typed accessors.
func (s *Store) Snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}
