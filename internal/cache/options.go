package cache

import "time"

const (
	DefaultMessageTTL    = 5 * time.Minute
	DefaultPreviewTTL    = 2 * time.Minute
	DefaultMaxWindow     = 100
	DefaultMaxCacheSize  = 50
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 50 * time.Millisecond
	DefaultKeyPrefix     = "chat_cache:"
)

// Options configura el Engine. Los campos en cero toman el valor por defecto.
type Options struct {
	MessageTTL time.Duration
	PreviewTTL time.Duration
	// MaxWindow acota la ventana de mensajes solo al agregar al final.
	MaxWindow int
	// MaxCacheSize es la cantidad de listas de conversaciones por usuario que se conservan.
	MaxCacheSize  int
	RetryAttempts int
	// RetryBackoff es la espera antes del segundo intento; se duplica en cada reintento.
	RetryBackoff time.Duration
	KeyPrefix    string
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MessageTTL <= 0 {
		o.MessageTTL = DefaultMessageTTL
	}
	if o.PreviewTTL <= 0 {
		o.PreviewTTL = DefaultPreviewTTL
	}
	if o.MaxWindow <= 0 {
		o.MaxWindow = DefaultMaxWindow
	}
	if o.MaxCacheSize <= 0 {
		o.MaxCacheSize = DefaultMaxCacheSize
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
