package sealkv

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"southwinds.dev/sealkv/audit"
	"southwinds.dev/sealkv/internal/crypto"
	"southwinds.dev/sealkv/internal/envelope"
)

var logger = loggo.GetLogger("sealkv")

// Binding ties one storage key to an in-memory value of type T. The backend only
// ever receives envelopes holding ciphertext.
//
// Saves are optimistic: the new value is visible through Value as soon as Save
// returns, while encryption and the backend write complete in the background.
// At most one save is in flight per binding; a Save issued while another is
// still writing is dropped. Load, Remove, Reencrypt and change events are not
// serialized against each other or against an in-flight save.
type Binding[T any] struct {
	key     string
	id      string
	initial T
	opts    Options
	engine  *engine

	secretMu sync.RWMutex
	secret   *memguard.Enclave

	mu      sync.RWMutex
	value   T
	pending chan struct{}

	writing atomic.Bool
	closed  atomic.Bool

	tombMu  sync.Mutex
	tomb    tomb.Tomb
	onClose func()
}

// New creates a binding for key. initial is the value shown until something is
// loaded and whenever stored data is removed, expired or unreadable.
func New[T any](key string, initial T, opts Options) (*Binding[T], error) {
	if key == "" {
		return nil, errors.NotValidf("empty key")
	}

	resolved, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if resolved.EnableMemoryLock {
		lockMemory()
	}

	b := &Binding[T]{
		key:     key,
		id:      uuid.NewString(),
		initial: initial,
		value:   initial,
		opts:    resolved,
		engine:  newEngine(resolved),
	}

	secret := resolved.Secret
	if secret == "" && resolved.DefaultSecret != nil {
		secret = resolved.DefaultSecret()
	}
	if secret != "" {
		b.secret = memguard.NewEnclave([]byte(secret))
	}

	unsubscribe := resolved.Hub.Subscribe(key, b.handleChange)
	b.tomb.Go(func() error {
		<-b.tomb.Dying()
		unsubscribe()
		return nil
	})

	logger.Debugf("binding %s created for key %q", b.id, key)
	return b, nil
}

// Key returns the storage key.
func (b *Binding[T]) Key() string {
	return b.key
}

// ID identifies this binding as the origin of the change events it publishes.
func (b *Binding[T]) ID() string {
	return b.id
}

// Value returns the currently visible value.
func (b *Binding[T]) Value() T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value
}

// Load reads the stored envelope and makes its value visible.
//
// Absent keys and content that is not an envelope leave the value unchanged
// without error. Expired envelopes are purged and the value reset. Decryption
// failures and payloads that do not decode into T are reported and reset the
// value to the initial one.
func (b *Binding[T]) Load(ctx context.Context) (T, error) {
	if b.closed.Load() {
		return b.Value(), ErrBindingClosed
	}

	raw, found, err := b.opts.Storage.Get(ctx, b.key)
	if err != nil {
		err = newBackendError("get", b.key, err)
		b.report(audit.ActionLoad, err)
		return b.Value(), err
	}
	if !found {
		return b.Value(), nil
	}

	err = b.apply(ctx, raw, "load")
	if err == nil {
		b.audit(audit.ActionLoad, nil, nil)
	}
	return b.Value(), err
}

// Save makes v visible and writes it in the background.
//
// ErrMissingSecret and ErrNotSerializable are returned before anything else
// happens. If a previous save is still writing, the call is dropped and returns
// nil. Errors raised by the background write are delivered to OnError only and
// never roll back the visible value.
func (b *Binding[T]) Save(ctx context.Context, v T) error {
	if b.closed.Load() {
		return ErrBindingClosed
	}

	secret, err := b.currentSecret()
	if err != nil {
		b.report(audit.ActionSave, err)
		return err
	}

	plaintext, err := marshal(v)
	if err != nil {
		b.report(audit.ActionSave, err)
		return err
	}

	if !b.writing.CompareAndSwap(false, true) {
		logger.Debugf("save for %q dropped, a write is already in flight", b.key)
		return nil
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.pending = done
	b.mu.Unlock()

	// the write outlives the caller's context
	bg := context.WithoutCancel(ctx)
	started := b.spawn(func() error {
		defer close(done)
		defer b.writing.Store(false)
		b.write(bg, secret, plaintext)
		return nil
	})
	if !started {
		close(done)
		b.writing.Store(false)
		return ErrBindingClosed
	}
	// visible only once the write is under way; setValue skips closed bindings
	b.setValue(v)
	return nil
}

// Flush waits for an in-flight save to finish.
func (b *Binding[T]) Flush() {
	b.mu.RLock()
	pending := b.pending
	b.mu.RUnlock()
	if pending != nil {
		<-pending
	}
}

// Remove deletes the key from the backend and resets the value to the initial
// one, whether or not the delete succeeds. It is not blocked by an in-flight save.
func (b *Binding[T]) Remove(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBindingClosed
	}

	err := b.opts.Storage.Remove(ctx, b.key)
	b.setValue(b.initial)
	if err != nil {
		err = newBackendError("remove", b.key, err)
		b.report(audit.ActionRemove, err)
		return err
	}

	b.audit(audit.ActionRemove, nil, nil)
	b.publish(nil)
	return nil
}

// Reencrypt rewrites the stored envelope under newSecret and adopts it for all
// later operations. Any failure leaves the backend and the bound secret as
// they were. An absent key has nothing to rewrite and an expired one is
// purged; either way the secret is adopted directly.
func (b *Binding[T]) Reencrypt(ctx context.Context, newSecret string) error {
	if b.closed.Load() {
		return ErrBindingClosed
	}

	secret, err := b.currentSecret()
	if err != nil {
		b.report(audit.ActionReencrypt, err)
		return err
	}
	if err = crypto.ValidateRotationSecret(newSecret); err != nil {
		b.report(audit.ActionReencrypt, err)
		return err
	}

	raw, found, err := b.opts.Storage.Get(ctx, b.key)
	if err != nil {
		err = newBackendError("get", b.key, err)
		b.report(audit.ActionReencrypt, err)
		return err
	}

	var env envelope.Envelope
	if found {
		var ok bool
		if env, ok = envelope.Decode(raw); !ok {
			err = errors.Annotatef(ErrCorruptedData, "stored content for %q is not an envelope", b.key)
			b.report(audit.ActionReencrypt, err)
			return err
		}
		if env.Expired(b.opts.Clock.Now()) {
			if err = b.purgeExpired(ctx); err != nil {
				return err
			}
			found = false
		}
	}

	if found {
		plaintext, cause, err := b.engine.decrypt(secret, env.Data)
		if cause != nil {
			b.fallback("reencrypt", cause)
		}
		if err != nil {
			b.report(audit.ActionReencrypt, errors.Annotatef(err, "reading %q", b.key))
			return err
		}
		if _, err = b.unmarshal(plaintext); err != nil {
			b.report(audit.ActionReencrypt, err)
			return err
		}

		blob, cause, err := b.engine.encrypt(newSecret, plaintext)
		if cause != nil {
			b.fallback("reencrypt", cause)
		}
		if err != nil {
			b.report(audit.ActionReencrypt, errors.Annotatef(err, "encrypting %q", b.key))
			return err
		}

		if err = b.opts.Storage.Set(ctx, b.key, envelope.Encode(blob, b.expiry())); err != nil {
			err = newBackendError("set", b.key, err)
			b.report(audit.ActionReencrypt, err)
			return err
		}
	}

	b.secretMu.Lock()
	b.secret = memguard.NewEnclave([]byte(newSecret))
	b.secretMu.Unlock()

	b.audit(audit.ActionReencrypt, nil, map[string]interface{}{"rewritten": found})
	if b.opts.OnReencrypt != nil && !b.closed.Load() {
		b.opts.OnReencrypt(b.key)
	}
	return nil
}

// Close unsubscribes from change events and waits for background work. Results
// arriving afterwards are discarded and no callback fires. Close is idempotent.
func (b *Binding[T]) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.tombMu.Lock()
	b.tomb.Kill(nil)
	b.tombMu.Unlock()
	err := b.tomb.Wait()

	b.secretMu.Lock()
	b.secret = nil
	b.secretMu.Unlock()

	if b.onClose != nil {
		b.onClose()
	}
	logger.Debugf("binding %s for key %q closed", b.id, b.key)
	return err
}

// spawn runs f under the binding's tomb unless the binding is shutting down.
func (b *Binding[T]) spawn(f func() error) bool {
	b.tombMu.Lock()
	defer b.tombMu.Unlock()
	if !b.tomb.Alive() {
		return false
	}
	b.tomb.Go(f)
	return true
}

// write is the background half of Save.
func (b *Binding[T]) write(ctx context.Context, secret, plaintext string) {
	start := time.Now()

	blob, cause, err := b.engine.encrypt(secret, plaintext)
	if cause != nil {
		b.fallback("save", cause)
	}
	if err != nil {
		b.report(audit.ActionSave, errors.Annotatef(err, "encrypting %q", b.key))
		return
	}

	raw := envelope.Encode(blob, b.expiry())
	if err = b.opts.Storage.Set(ctx, b.key, raw); err != nil {
		b.report(audit.ActionSave, newBackendError("set", b.key, err))
		return
	}

	b.audit(audit.ActionSave, nil, map[string]interface{}{
		"fallback":    cause != nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	// data written by the legacy cipher is not announced
	if cause == nil {
		b.publish(&raw)
	}
}

// apply makes the value held in a raw envelope visible, as Load does.
func (b *Binding[T]) apply(ctx context.Context, raw, operation string) error {
	env, ok := envelope.Decode(raw)
	if !ok {
		logger.Debugf("ignoring content for %q that is not an envelope", b.key)
		return nil
	}

	if env.Expired(b.opts.Clock.Now()) {
		return b.purgeExpired(ctx)
	}

	secret, err := b.currentSecret()
	if err != nil {
		b.report(audit.ActionLoad, err)
		return err
	}

	plaintext, cause, err := b.engine.decrypt(secret, env.Data)
	if cause != nil {
		b.fallback(operation, cause)
	}
	if err != nil {
		b.setValue(b.initial)
		b.report(audit.ActionDecryptErr, errors.Annotatef(err, "reading %q", b.key))
		return err
	}

	v, err := b.unmarshal(plaintext)
	if err != nil {
		b.setValue(b.initial)
		b.report(audit.ActionLoad, err)
		return err
	}

	b.setValue(v)
	return nil
}

// purgeExpired resets the visible value and deletes the expired envelope.
func (b *Binding[T]) purgeExpired(ctx context.Context) error {
	b.setValue(b.initial)
	if err := b.opts.Storage.Remove(ctx, b.key); err != nil {
		err = newBackendError("remove", b.key, err)
		b.report(audit.ActionExpired, err)
		return err
	}
	b.audit(audit.ActionExpired, nil, nil)
	return nil
}

// handleChange applies events published by other bindings for the same key.
func (b *Binding[T]) handleChange(event ChangeEvent) {
	if event.Origin == b.id || b.closed.Load() {
		return
	}
	if event.NewValue == nil {
		b.setValue(b.initial)
		return
	}
	_ = b.apply(b.tomb.Context(context.Background()), *event.NewValue, "change")
}

func (b *Binding[T]) setValue(v T) {
	if b.closed.Load() {
		return
	}
	b.mu.Lock()
	b.value = v
	b.mu.Unlock()
}

func (b *Binding[T]) currentSecret() (string, error) {
	b.secretMu.RLock()
	enclave := b.secret
	b.secretMu.RUnlock()
	if enclave == nil {
		return "", ErrMissingSecret
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", errors.Annotate(err, "opening secret enclave")
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

func (b *Binding[T]) expiry() *time.Time {
	if b.opts.TTL <= 0 {
		return nil
	}
	expires := b.opts.Clock.Now().Add(b.opts.TTL)
	return &expires
}

func (b *Binding[T]) unmarshal(plaintext string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(plaintext), &v); err != nil {
		return b.initial, errors.Annotatef(ErrCorruptedData, "key %q", b.key)
	}
	return v, nil
}

func (b *Binding[T]) publish(raw *string) {
	if b.closed.Load() {
		return
	}
	b.opts.Hub.Publish(ChangeEvent{Key: b.key, NewValue: raw, Origin: b.id})
}

func (b *Binding[T]) fallback(operation string, cause error) {
	if b.closed.Load() {
		return
	}
	logger.Warningf("key %q: %s used the insecure fallback cipher: %v", b.key, operation, cause)
	b.audit(audit.ActionFallback, nil, map[string]interface{}{"operation": operation})
	if b.opts.OnFallback != nil {
		b.opts.OnFallback(FallbackEvent{Key: b.key, Operation: operation, Cause: cause})
	}
}

// report delivers err to the audit trail, the log and OnError.
func (b *Binding[T]) report(action string, err error) {
	if b.closed.Load() {
		return
	}
	if errors.Is(err, ErrBackendFailure) {
		logger.Errorf("%v", err)
	} else {
		logger.Debugf("%v", err)
	}
	b.audit(action, err, nil)
	if b.opts.OnError != nil {
		b.opts.OnError(err)
	}
}

func (b *Binding[T]) audit(action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["key"] = b.key
	metadata["binding"] = b.id
	if err != nil {
		metadata["error"] = err.Error()
	}
	if auditErr := b.opts.Audit.Log(action, err == nil, metadata); auditErr != nil {
		logger.Warningf("audit logging failed for %s: %v", action, auditErr)
	}
}

// marshal serializes v and checks that it reads back.
func marshal[T any](v T) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Annotate(ErrNotSerializable, err.Error())
	}
	var check T
	if err = json.Unmarshal(data, &check); err != nil {
		return "", errors.Annotate(ErrNotSerializable, err.Error())
	}
	return string(data), nil
}
