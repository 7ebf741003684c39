package hypercore

import (
	"github.com/rs/zerolog"

	"github.com/corelog/hypercore/internal/cache"
)

// CacheOptions configures the optional LRU node cache.
type CacheOptions = cache.Options

// Options configures a Core.
type Options struct {
	// KeyPair is the key pair of a new log. Leave nil to generate
	// one; must be nil when Open is set.
	KeyPair *KeyPair
	// Open opens an existing log instead of creating one.
	Open bool
	// NodeCache enables the LRU node cache.
	NodeCache *CacheOptions
	// Logger receives structured debug logging. Nil disables logging.
	Logger *zerolog.Logger
}

// Builder assembles the options for a Core before instantiating it.
type Builder struct {
	storage *Storage
	options Options
}

// NewBuilder starts a builder over the given storage.
func NewBuilder(storage *Storage) *Builder {
	return &Builder{storage: storage}
}

// KeyPair sets the key pair for a new log.
func (b *Builder) KeyPair(keyPair *KeyPair) *Builder {
	b.options.KeyPair = keyPair
	return b
}

// Open makes the builder open an existing log.
func (b *Builder) Open() *Builder {
	b.options.Open = true
	return b
}

// NodeCache enables the node cache with the given options.
func (b *Builder) NodeCache(options *CacheOptions) *Builder {
	b.options.NodeCache = options
	return b
}

// Logger sets the structured logger.
func (b *Builder) Logger(logger *zerolog.Logger) *Builder {
	b.options.Logger = logger
	return b
}

// Build creates or opens the core.
func (b *Builder) Build() (*Core, error) {
	if b.storage == nil {
		return nil, &BadArgumentError{Context: "storage must be provided"}
	}
	return newCore(b.storage, &b.options)
}

// New creates a new log over the given storage with a fresh key pair.
func New(storage *Storage) (*Core, error) {
	return NewBuilder(storage).Build()
}

// NewWithKeyPair creates a new log over the given storage with the
// given key pair.
func NewWithKeyPair(storage *Storage, keyPair *KeyPair) (*Core, error) {
	return NewBuilder(storage).KeyPair(keyPair).Build()
}

// OpenExisting opens a log that already exists in the given storage.
func OpenExisting(storage *Storage) (*Core, error) {
	return NewBuilder(storage).Open().Build()
}
