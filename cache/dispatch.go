package cache

import (
	"github.com/IvanBrykalov/diskcache/internal/codec"
	"github.com/IvanBrykalov/diskcache/storage"
)

// dispatch records the eviction and, when the record names callbacks,
// submits one task that runs them in order.
func (e *Engine) dispatch(rec storage.Record, reason EvictionReason) {
	e.metrics.Evict(reason)
	if len(rec.Callbacks) == 0 {
		return
	}
	if !e.sched.Submit(func() { e.invoke(rec, reason) }) {
		e.log.Warn("eviction callbacks dropped", "key", rec.Key, "reason", reason)
	}
}

// invoke resolves and calls the callbacks of rec. Unknown tokens are skipped;
// a failing callback does not stop the ones after it.
func (e *Engine) invoke(rec storage.Record, reason EvictionReason) {
	tokens, err := codec.DecodeTokens(rec.Callbacks)
	if err != nil {
		e.metrics.CallbackFailed()
		e.log.Error("decode eviction callbacks", "key", rec.Key, "err", err)
		return
	}
	for _, tok := range tokens {
		cb, ok := e.reg.lookup(tok)
		if !ok {
			e.log.Debug("eviction callback not registered", "key", rec.Key, "token", tok)
			continue
		}
		e.call(cb, rec, reason)
	}
}

func (e *Engine) call(cb Callback, rec storage.Record, reason EvictionReason) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.CallbackFailed()
			e.log.Error("eviction callback panicked", "callback", cb.Name, "key", rec.Key, "reason", reason, "panic", r)
		}
	}()
	cb.Fn(rec.Key, rec.Data, reason)
}
