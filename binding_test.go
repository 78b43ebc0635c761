package sealkv

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/sealkv/internal/crypto"
	"southwinds.dev/sealkv/internal/envelope"
	"southwinds.dev/sealkv/persist"
)

const (
	testKey    = "prefs"
	testSecret = "correct horse battery staple"
)

type prefs struct {
	Theme    string `json:"theme"`
	FontSize int    `json:"font_size"`
}

var defaultPrefs = prefs{Theme: "light", FontSize: 12}

// recorder collects callback invocations.
type recorder struct {
	mu         sync.Mutex
	errs       []error
	fallbacks  []FallbackEvent
	reencrypts []string
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) onFallback(ev FallbackEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, ev)
}

func (r *recorder) onReencrypt(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reencrypts = append(r.reencrypts, key)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) fallbackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fallbacks)
}

func (r *recorder) options(store persist.Adapter) Options {
	return Options{
		Secret:      testSecret,
		Storage:     store,
		Hub:         NewHub(),
		OnError:     r.onError,
		OnFallback:  r.onFallback,
		OnReencrypt: r.onReencrypt,
	}
}

// blockingStore holds every Set until release is closed.
type blockingStore struct {
	*persist.MemoryStore
	entered chan struct{}
	release chan struct{}
	sets    atomic.Int32
	fail    error
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryStore: persist.NewMemoryStore(0),
		entered:     make(chan struct{}, 16),
		release:     make(chan struct{}),
	}
}

func (s *blockingStore) Set(ctx context.Context, key, value string) error {
	s.sets.Add(1)
	s.entered <- struct{}{}
	<-s.release
	if s.fail != nil {
		return s.fail
	}
	return s.MemoryStore.Set(ctx, key, value)
}

type unavailableCipher struct{}

func (unavailableCipher) Encrypt(string, string) (string, error) {
	return "", ErrCapabilityUnavailable
}

func (unavailableCipher) Decrypt(string, string) (string, error) {
	return "", ErrCapabilityUnavailable
}

func newTestBinding(t *testing.T, opts Options) *Binding[prefs] {
	b, err := New(testKey, defaultPrefs, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func saveAndFlush(t *testing.T, b *Binding[prefs], v prefs) {
	require.NoError(t, b.Save(context.Background(), v))
	b.Flush()
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore(0)
	rec := &recorder{}

	writer := newTestBinding(t, rec.options(store))
	saveAndFlush(t, writer, prefs{Theme: "dark", FontSize: 14})
	assert.Equal(t, prefs{Theme: "dark", FontSize: 14}, writer.Value())

	raw, found, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, raw, "dark")
	assert.NotContains(t, raw, testSecret)

	env, ok := envelope.Decode(raw)
	require.True(t, ok)
	assert.Nil(t, env.Expires)

	reader := newTestBinding(t, rec.options(store))
	assert.Equal(t, defaultPrefs, reader.Value())

	v, err := reader.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, prefs{Theme: "dark", FontSize: 14}, v)
	assert.Empty(t, rec.errors())
	assert.Zero(t, rec.fallbackCount())
}

func TestLoadAbsentKeepsValue(t *testing.T) {
	b := newTestBinding(t, (&recorder{}).options(persist.NewMemoryStore(0)))

	v, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaultPrefs, v)
}

func TestChaChaAlgorithm(t *testing.T) {
	store := persist.NewMemoryStore(0)
	opts := (&recorder{}).options(store)
	opts.Algorithm = ChaCha20Poly1305

	writer := newTestBinding(t, opts)
	saveAndFlush(t, writer, prefs{Theme: "solarized"})

	// readers configured for the default algorithm still open it
	reader := newTestBinding(t, (&recorder{}).options(store))
	v, err := reader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "solarized", v.Theme)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		ttl     time.Duration
		advance time.Duration
		expired bool
	}{
		{name: "future expiry is returned", ttl: time.Minute, advance: 30 * time.Second},
		{name: "past expiry is purged", ttl: time.Minute, advance: 2 * time.Minute, expired: true},
		{name: "no ttl never expires", ttl: 0, advance: 24 * 365 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testclock.NewClock(now)
			store := persist.NewMemoryStore(0)
			rec := &recorder{}
			opts := rec.options(store)
			opts.Clock = clk
			opts.TTL = tt.ttl

			writer := newTestBinding(t, opts)
			saveAndFlush(t, writer, prefs{Theme: "dark"})

			raw, _, err := store.Get(ctx, testKey)
			require.NoError(t, err)
			env, ok := envelope.Decode(raw)
			require.True(t, ok)
			if tt.ttl > 0 {
				require.NotNil(t, env.Expires)
				assert.Equal(t, now.Add(tt.ttl).UnixMilli(), *env.Expires)
			} else {
				assert.Nil(t, env.Expires)
			}

			clk.Advance(tt.advance)

			reader := newTestBinding(t, opts)
			v, err := reader.Load(ctx)
			require.NoError(t, err)

			_, found, err := store.Get(ctx, testKey)
			require.NoError(t, err)
			if tt.expired {
				assert.Equal(t, defaultPrefs, v)
				assert.False(t, found, "expired envelope must be purged")
			} else {
				assert.Equal(t, "dark", v.Theme)
				assert.True(t, found)
			}
			assert.Empty(t, rec.errors())
		})
	}
}

func TestExpiredLoadResetsVisibleValue(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	opts := (&recorder{}).options(persist.NewMemoryStore(0))
	opts.Clock = clk
	opts.TTL = time.Second

	b := newTestBinding(t, opts)
	saveAndFlush(t, b, prefs{Theme: "dark"})
	clk.Advance(time.Minute)

	v, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaultPrefs, v)
}

func TestWriteSerialization(t *testing.T) {
	ctx := context.Background()
	store := newBlockingStore()
	rec := &recorder{}
	b := newTestBinding(t, rec.options(store))

	require.NoError(t, b.Save(ctx, prefs{Theme: "first"}))
	<-store.entered

	// dropped: the first write is still in flight
	require.NoError(t, b.Save(ctx, prefs{Theme: "second"}))
	assert.Equal(t, "first", b.Value().Theme)

	close(store.release)
	b.Flush()

	assert.Equal(t, int32(1), store.sets.Load())

	reader := newTestBinding(t, (&recorder{}).options(store.MemoryStore))
	v, err := reader.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", v.Theme)

	// the lock is released once the write completes
	saveAndFlush(t, b, prefs{Theme: "third"})
	assert.Equal(t, int32(2), store.sets.Load())
	assert.Empty(t, rec.errors())
}

func TestSaveFailureKeepsOptimisticValue(t *testing.T) {
	store := persist.NewMemoryStore(10)
	rec := &recorder{}
	b := newTestBinding(t, rec.options(store))

	saveAndFlush(t, b, prefs{Theme: "dark"})

	assert.Equal(t, "dark", b.Value().Theme, "visible value is not rolled back")
	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrBackendFailure))
	assert.True(t, errors.Is(errs[0], persist.ErrQuotaExceeded))
	assert.Equal(t, 0, store.Len())

	// the lock was released on the error path
	store.SetQuota(0)
	saveAndFlush(t, b, prefs{Theme: "dim"})
	assert.Equal(t, 1, store.Len())
}

func TestSaveFastFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing secret", func(t *testing.T) {
		rec := &recorder{}
		opts := rec.options(persist.NewMemoryStore(0))
		opts.Secret = ""
		b := newTestBinding(t, opts)

		err := b.Save(ctx, prefs{Theme: "dark"})
		assert.True(t, errors.Is(err, ErrMissingSecret))
		assert.Equal(t, defaultPrefs, b.Value())
		require.Len(t, rec.errors(), 1)

		_, err = b.Load(ctx)
		assert.NoError(t, err, "nothing stored, nothing to decrypt")
		assert.True(t, errors.Is(b.Reencrypt(ctx, "a-new-secret"), ErrMissingSecret))
	})

	t.Run("not serializable", func(t *testing.T) {
		rec := &recorder{}
		store := persist.NewMemoryStore(0)
		b, err := New[map[string]interface{}](testKey, nil, rec.options(store))
		require.NoError(t, err)
		defer b.Close()

		err = b.Save(ctx, map[string]interface{}{"callback": func() {}})
		assert.True(t, errors.Is(err, ErrNotSerializable))
		assert.Nil(t, b.Value())
		assert.Equal(t, 0, store.Len())
		require.Len(t, rec.errors(), 1)
	})
}

func TestDefaultSecretProvider(t *testing.T) {
	store := persist.NewMemoryStore(0)
	calls := 0
	opts := (&recorder{}).options(store)
	opts.Secret = ""
	opts.DefaultSecret = func() string {
		calls++
		return testSecret
	}

	writer := newTestBinding(t, opts)
	saveAndFlush(t, writer, prefs{Theme: "dark"})
	assert.Equal(t, 1, calls)

	// explicit secret wins and matches
	reader := newTestBinding(t, (&recorder{}).options(store))
	v, err := reader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dark", v.Theme)
}

func TestTamperedEnvelope(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore(0)
	opts := (&recorder{}).options(store)
	opts.Fallback = FallbackNone

	writer := newTestBinding(t, opts)
	saveAndFlush(t, writer, prefs{Theme: "dark"})

	raw, _, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	env, _ := envelope.Decode(raw)

	blob := []byte(env.Data)
	// flip a character in the middle of the base64 body, keeping it valid base64
	mid := len(blob) / 2
	if blob[mid] == 'A' {
		blob[mid] = 'B'
	} else {
		blob[mid] = 'A'
	}

	rec := &recorder{}
	readerOpts := rec.options(store)
	readerOpts.Fallback = FallbackNone
	reader := newTestBinding(t, readerOpts)
	saveAndFlush(t, reader, prefs{Theme: "unsaved"})
	require.NoError(t, store.Set(ctx, testKey, envelope.Encode(string(blob), nil)))

	v, err := reader.Load(ctx)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
	assert.Equal(t, defaultPrefs, v, "never surface partially decrypted data")
	require.Len(t, rec.errors(), 1)
	assert.True(t, errors.Is(rec.errors()[0], ErrDecryptionFailed))
}

func TestWrongSecret(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore(0)

	writer := newTestBinding(t, (&recorder{}).options(store))
	saveAndFlush(t, writer, prefs{Theme: "dark"})

	t.Run("fallback disabled", func(t *testing.T) {
		opts := (&recorder{}).options(store)
		opts.Secret = "not the secret"
		opts.Fallback = FallbackNone
		reader := newTestBinding(t, opts)

		v, err := reader.Load(ctx)
		assert.True(t, errors.Is(err, ErrDecryptionFailed))
		assert.Equal(t, defaultPrefs, v)
	})

	t.Run("fallback garbage is rejected", func(t *testing.T) {
		rec := &recorder{}
		opts := rec.options(store)
		opts.Secret = "not the secret"
		reader := newTestBinding(t, opts)

		v, err := reader.Load(ctx)
		assert.True(t, errors.Is(err, ErrCorruptedData))
		assert.Equal(t, defaultPrefs, v)
		assert.Equal(t, 1, rec.fallbackCount())
	})
}

func TestCorruptedBackendContent(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "definitely not json"},
		{name: "json array", raw: `[1,2,3]`},
		{name: "missing data", raw: `{"expires":1}`},
		{name: "empty data", raw: `{"data":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := persist.NewMemoryStore(0)
			require.NoError(t, store.Set(ctx, testKey, tt.raw))

			rec := &recorder{}
			b := newTestBinding(t, rec.options(store))
			v, err := b.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, defaultPrefs, v)
			assert.Empty(t, rec.errors())
		})
	}
}

func TestCorruptedPayload(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore(0)

	sealer, err := crypto.NewSealer(crypto.DefaultAlgorithm)
	require.NoError(t, err)
	blob, err := sealer.Encrypt(testSecret, "{not valid json")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, testKey, envelope.Encode(blob, nil)))

	rec := &recorder{}
	b := newTestBinding(t, rec.options(store))
	saveAndFlush(t, b, prefs{Theme: "visible"})
	require.NoError(t, store.Set(ctx, testKey, envelope.Encode(blob, nil)))

	v, err := b.Load(ctx)
	assert.True(t, errors.Is(err, ErrCorruptedData))
	assert.Equal(t, defaultPrefs, v)
	require.Len(t, rec.errors(), 1)
}

func TestFallbackOnCapabilityLoss(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore(0)
	hub := NewHub()

	rec := &recorder{}
	opts := rec.options(store)
	opts.Cipher = unavailableCipher{}
	opts.Hub = hub

	var published atomic.Int32
	unsubscribe := hub.Subscribe(testKey, func(ChangeEvent) { published.Add(1) })
	defer unsubscribe()

	writer := newTestBinding(t, opts)
	saveAndFlush(t, writer, prefs{Theme: "dark"})
	assert.Equal(t, 1, rec.fallbackCount())
	assert.Empty(t, rec.errors())

	raw, found, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, found)
	env, ok := envelope.Decode(raw)
	require.True(t, ok)

	plaintext, err := crypto.NewLegacy(nil).Decrypt(testSecret, env.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark","font_size":0}`, plaintext)

	reader := newTestBinding(t, opts)
	v, err := reader.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dark", v.Theme)
	assert.Equal(t, 2, rec.fallbackCount())

	rec.mu.Lock()
	assert.Equal(t, "save", rec.fallbacks[0].Operation)
	assert.Equal(t, "load", rec.fallbacks[1].Operation)
	assert.True(t, errors.Is(rec.fallbacks[0].Cause, ErrCapabilityUnavailable))
	rec.mu.Unlock()

	// fallback writes are not announced
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, published.Load())
}

func TestUnknownAlgorithmFallsBack(t *testing.T) {
	rec := &recorder{}
	opts := rec.options(persist.NewMemoryStore(0))
	opts.Algorithm = "rot13"

	b := newTestBinding(t, opts)
	saveAndFlush(t, b, prefs{Theme: "dark"})
	assert.Equal(t, 1, rec.fallbackCount())
	assert.Empty(t, rec.errors())
}

func TestFallbackDisabled(t *testing.T) {
	store := persist.NewMemoryStore(0)
	rec := &recorder{}
	opts := rec.options(store)
	opts.Cipher = unavailableCipher{}
	opts.Fallback = FallbackNone

	b := newTestBinding(t, opts)
	saveAndFlush(t, b, prefs{Theme: "dark"})

	assert.Zero(t, rec.fallbackCount())
	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrCapabilityUnavailable))
	assert.Equal(t, 0, store.Len(), "nothing is written when no cipher succeeds")
	assert.Equal(t, "dark", b.Value().Theme)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore(0)
	b := newTestBinding(t, (&recorder{}).options(store))

	saveAndFlush(t, b, prefs{Theme: "dark"})
	require.NoError(t, b.Remove(ctx))

	assert.Equal(t, defaultPrefs, b.Value())
	_, found, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found)

	// removing again is harmless
	assert.NoError(t, b.Remove(ctx))
}

func TestRemoveNotBlockedByWriteLock(t *testing.T) {
	ctx := context.Background()
	store := newBlockingStore()
	b := newTestBinding(t, (&recorder{}).options(store))

	require.NoError(t, b.Save(ctx, prefs{Theme: "dark"}))
	<-store.entered

	require.NoError(t, b.Remove(ctx))
	assert.Equal(t, defaultPrefs, b.Value())

	close(store.release)
	b.Flush()
}

func TestReencrypt(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore(0)
	rec := &recorder{}
	b := newTestBinding(t, rec.options(store))

	saveAndFlush(t, b, prefs{Theme: "dark", FontSize: 16})
	before, _, err := store.Get(ctx, testKey)
	require.NoError(t, err)

	const newSecret = "a much better secret"
	require.NoError(t, b.Reencrypt(ctx, newSecret))

	after, _, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "ciphertext changes even though the value does not")
	assert.Equal(t, []string{testKey}, rec.reencrypts)

	opts := (&recorder{}).options(store)
	opts.Secret = newSecret
	reader := newTestBinding(t, opts)
	v, err := reader.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, prefs{Theme: "dark", FontSize: 16}, v)

	// the rotating binding now uses the new secret as well
	v, err = b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, prefs{Theme: "dark", FontSize: 16}, v)

	stale := (&recorder{}).options(store)
	stale.Fallback = FallbackNone
	old := newTestBinding(t, stale)
	_, err = old.Load(ctx)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestReencryptPreservesTTL(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	store := persist.NewMemoryStore(0)

	opts := (&recorder{}).options(store)
	opts.Clock = clk
	opts.TTL = time.Hour
	b := newTestBinding(t, opts)

	saveAndFlush(t, b, prefs{Theme: "dark"})
	clk.Advance(10 * time.Minute)
	require.NoError(t, b.Reencrypt(ctx, "another long secret"))

	raw, _, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	env, ok := envelope.Decode(raw)
	require.True(t, ok)
	require.NotNil(t, env.Expires)
	assert.Equal(t, start.Add(70*time.Minute).UnixMilli(), *env.Expires)
}

func TestReencryptFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("weak secret", func(t *testing.T) {
		store := persist.NewMemoryStore(0)
		rec := &recorder{}
		b := newTestBinding(t, rec.options(store))
		saveAndFlush(t, b, prefs{Theme: "dark"})
		before, _, _ := store.Get(ctx, testKey)

		for _, weak := range []string{"", "short", "seven77"} {
			assert.True(t, errors.Is(b.Reencrypt(ctx, weak), ErrWeakSecret), weak)
		}
		after, _, _ := store.Get(ctx, testKey)
		assert.Equal(t, before, after)
		assert.Empty(t, rec.reencrypts)
	})

	t.Run("undecryptable data leaves backend untouched", func(t *testing.T) {
		store := persist.NewMemoryStore(0)
		writer := newTestBinding(t, (&recorder{}).options(store))
		saveAndFlush(t, writer, prefs{Theme: "dark"})
		before, _, _ := store.Get(ctx, testKey)

		rec := &recorder{}
		opts := rec.options(store)
		opts.Secret = "the wrong secret"
		opts.Fallback = FallbackNone
		b := newTestBinding(t, opts)

		assert.True(t, errors.Is(b.Reencrypt(ctx, "a-new-secret"), ErrDecryptionFailed))
		after, _, _ := store.Get(ctx, testKey)
		assert.Equal(t, before, after)
		assert.Empty(t, rec.reencrypts)

		// the old secret is still bound
		_, err := b.Load(ctx)
		assert.True(t, errors.Is(err, ErrDecryptionFailed))
	})

	t.Run("not an envelope", func(t *testing.T) {
		store := persist.NewMemoryStore(0)
		require.NoError(t, store.Set(ctx, testKey, "garbage"))
		b := newTestBinding(t, (&recorder{}).options(store))

		assert.True(t, errors.Is(b.Reencrypt(ctx, "a-new-secret"), ErrCorruptedData))
		raw, _, _ := store.Get(ctx, testKey)
		assert.Equal(t, "garbage", raw)
	})
}

func TestReencryptAbsentKeyAdoptsSecret(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore(0)
	rec := &recorder{}
	b := newTestBinding(t, rec.options(store))

	const newSecret = "fresh secret value"
	require.NoError(t, b.Reencrypt(ctx, newSecret))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, []string{testKey}, rec.reencrypts)

	saveAndFlush(t, b, prefs{Theme: "dark"})

	opts := (&recorder{}).options(store)
	opts.Secret = newSecret
	reader := newTestBinding(t, opts)
	v, err := reader.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dark", v.Theme)
}

func TestReencryptPurgesExpiredEnvelope(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	store := persist.NewMemoryStore(0)

	rec := &recorder{}
	opts := rec.options(store)
	opts.Clock = clk
	opts.TTL = time.Minute
	b := newTestBinding(t, opts)

	saveAndFlush(t, b, prefs{Theme: "dark"})
	clk.Advance(2 * time.Minute)

	const newSecret = "rotated after expiry"
	require.NoError(t, b.Reencrypt(ctx, newSecret))

	_, found, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found, "the expired envelope is removed, not rewritten")
	assert.Equal(t, defaultPrefs, b.Value())
	assert.Equal(t, []string{testKey}, rec.reencrypts)
	assert.Empty(t, rec.errors())

	// the new secret was adopted
	saveAndFlush(t, b, prefs{Theme: "blue"})
	reader := (&recorder{}).options(store)
	reader.Secret = newSecret
	reader.Clock = clk
	v, err := newTestBinding(t, reader).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "blue", v.Theme)
}

func TestChangeEventsFollowLoadRules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// written stores whatever w saves and returns the raw envelope.
	written := func(t *testing.T, store *persist.MemoryStore, opts Options) string {
		w := newTestBinding(t, opts)
		saveAndFlush(t, w, prefs{Theme: "dark", FontSize: 14})
		raw, found, err := store.Get(ctx, testKey)
		require.NoError(t, err)
		require.True(t, found)
		return raw
	}

	tests := []struct {
		name      string
		raw       func(t *testing.T, store *persist.MemoryStore, clk *testclock.Clock) string
		fallback  FallbackMode
		want      prefs
		wantErr   error
		fallbacks []string
		purged    bool
	}{{
		name: "strong envelope",
		raw: func(t *testing.T, store *persist.MemoryStore, clk *testclock.Clock) string {
			return written(t, store, (&recorder{}).options(store))
		},
		want: prefs{Theme: "dark", FontSize: 14},
	}, {
		name: "expired envelope",
		raw: func(t *testing.T, store *persist.MemoryStore, clk *testclock.Clock) string {
			opts := (&recorder{}).options(store)
			opts.Clock = clk
			opts.TTL = time.Minute
			raw := written(t, store, opts)
			clk.Advance(2 * time.Minute)
			return raw
		},
		want:   defaultPrefs,
		purged: true,
	}, {
		name: "not an envelope",
		raw: func(t *testing.T, store *persist.MemoryStore, clk *testclock.Clock) string {
			return `{"theme":"dark"}`
		},
		want: prefs{Theme: "unchanged"},
	}, {
		name: "wrong secret without fallback",
		raw: func(t *testing.T, store *persist.MemoryStore, clk *testclock.Clock) string {
			opts := (&recorder{}).options(store)
			opts.Secret = "somebody else's secret"
			return written(t, store, opts)
		},
		fallback: FallbackNone,
		want:     defaultPrefs,
		wantErr:  ErrDecryptionFailed,
	}, {
		name: "legacy cipher envelope",
		raw: func(t *testing.T, store *persist.MemoryStore, clk *testclock.Clock) string {
			opts := (&recorder{}).options(store)
			opts.Cipher = unavailableCipher{}
			return written(t, store, opts)
		},
		want:      prefs{Theme: "dark", FontSize: 14},
		fallbacks: []string{"change"},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testclock.NewClock(now)
			store := persist.NewMemoryStore(0)
			raw := tt.raw(t, store, clk)

			rec := &recorder{}
			opts := rec.options(store)
			opts.Clock = clk
			opts.Fallback = tt.fallback
			b := newTestBinding(t, opts)
			b.setValue(prefs{Theme: "unchanged"})

			b.handleChange(ChangeEvent{Key: testKey, NewValue: &raw, Origin: "peer"})
			assert.Equal(t, tt.want, b.Value())

			errs := rec.errors()
			if tt.wantErr != nil {
				require.Len(t, errs, 1)
				assert.True(t, errors.Is(errs[0], tt.wantErr), errs[0].Error())
			} else {
				assert.Empty(t, errs)
			}

			rec.mu.Lock()
			var operations []string
			for _, ev := range rec.fallbacks {
				operations = append(operations, ev.Operation)
			}
			rec.mu.Unlock()
			assert.Equal(t, tt.fallbacks, operations)

			_, found, err := store.Get(ctx, testKey)
			require.NoError(t, err)
			if tt.purged {
				assert.False(t, found)
			}
		})
	}
}

func TestSaveRacingTeardownKeepsValue(t *testing.T) {
	store := persist.NewMemoryStore(0)
	b := newTestBinding(t, (&recorder{}).options(store))

	// the tomb is dying but Close has not yet flagged the binding
	b.tombMu.Lock()
	b.tomb.Kill(nil)
	b.tombMu.Unlock()

	assert.True(t, errors.Is(b.Save(context.Background(), prefs{Theme: "dark"}), ErrBindingClosed))
	assert.Equal(t, defaultPrefs, b.Value())
	assert.Equal(t, 0, store.Len())

	// a later save is not blocked by the abandoned one
	assert.False(t, b.writing.Load())
	b.Flush()
}

func TestCrossBindingEvents(t *testing.T) {
	store := persist.NewMemoryStore(0)
	hub := NewHub()

	optsA := (&recorder{}).options(store)
	optsA.Hub = hub
	optsB := (&recorder{}).options(store)
	optsB.Hub = hub

	a := newTestBinding(t, optsA)
	b := newTestBinding(t, optsB)

	saveAndFlush(t, a, prefs{Theme: "dark"})
	assert.Eventually(t, func() bool {
		return b.Value().Theme == "dark"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Remove(context.Background()))
	assert.Eventually(t, func() bool {
		return b.Value() == defaultPrefs
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOwnEventsIgnored(t *testing.T) {
	hub := NewHub()
	opts := (&recorder{}).options(persist.NewMemoryStore(0))
	opts.Hub = hub
	b := newTestBinding(t, opts)

	b.handleChange(ChangeEvent{Key: testKey, NewValue: nil, Origin: b.ID()})
	saveAndFlush(t, b, prefs{Theme: "dark"})
	b.handleChange(ChangeEvent{Key: testKey, NewValue: nil, Origin: b.ID()})
	assert.Equal(t, "dark", b.Value().Theme)

	b.handleChange(ChangeEvent{Key: testKey, NewValue: nil, Origin: "someone-else"})
	assert.Equal(t, defaultPrefs, b.Value())
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	b, err := New(testKey, defaultPrefs, (&recorder{}).options(persist.NewMemoryStore(0)))
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.True(t, errors.Is(b.Save(ctx, prefs{}), ErrBindingClosed))
	_, err = b.Load(ctx)
	assert.True(t, errors.Is(err, ErrBindingClosed))
	assert.True(t, errors.Is(b.Remove(ctx), ErrBindingClosed))
	assert.True(t, errors.Is(b.Reencrypt(ctx, "another secret"), ErrBindingClosed))
}

func TestCloseDuringSaveDiscardsResults(t *testing.T) {
	ctx := context.Background()
	store := newBlockingStore()
	store.fail = persist.ErrQuotaExceeded
	hub := NewHub()

	rec := &recorder{}
	opts := rec.options(store)
	opts.Hub = hub
	b, err := New(testKey, defaultPrefs, opts)
	require.NoError(t, err)

	require.NoError(t, b.Save(ctx, prefs{Theme: "dark"}))
	<-store.entered

	closed := make(chan error)
	go func() { closed <- b.Close() }()
	require.Eventually(t, b.closed.Load, 5*time.Second, time.Millisecond)

	close(store.release)
	require.NoError(t, <-closed)

	assert.Empty(t, rec.errors(), "callbacks are suppressed after teardown")
	assert.Equal(t, int32(1), store.sets.Load())
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		opts Options
	}{
		{name: "empty key", key: "", opts: Options{StorageType: persist.StoreTypeSession}},
		{name: "bad storage type", key: testKey, opts: Options{StorageType: "cookie"}},
		{name: "negative ttl", key: testKey, opts: Options{StorageType: persist.StoreTypeSession, TTL: -time.Second}},
		{name: "bad fallback", key: testKey, opts: Options{StorageType: persist.StoreTypeSession, Fallback: "rot13"}},
		{name: "long namespace", key: testKey, opts: Options{StorageType: persist.StoreTypeSession, Namespace: strings.Repeat("n", 101)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key, defaultPrefs, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestBuiltinStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("local", func(t *testing.T) {
		base := t.TempDir()
		opts := Options{Secret: testSecret, StorageType: persist.StoreTypeLocal, BasePath: base, Namespace: "app", Hub: NewHub()}

		writer := newTestBinding(t, opts)
		saveAndFlush(t, writer, prefs{Theme: "dark"})

		reader := newTestBinding(t, opts)
		v, err := reader.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "dark", v.Theme)
		assert.DirExists(t, base+"/app")
	})

	t.Run("session", func(t *testing.T) {
		opts := Options{Secret: testSecret, StorageType: persist.StoreTypeSession, Hub: NewHub()}
		b, err := New("session-"+t.Name(), defaultPrefs, opts)
		require.NoError(t, err)
		defer b.Close()

		require.NoError(t, b.Save(ctx, prefs{Theme: "dark"}))
		b.Flush()
		_, found, err := persist.Session().Get(ctx, "session-"+t.Name())
		require.NoError(t, err)
		assert.True(t, found)
	})
}
