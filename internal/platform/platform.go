// Package platform defines the marketplace adapter contract. Each
// marketplace implements Adapter and registers a constructor under its
// platform name; callers resolve adapters by the same string the canonical
// store uses in listings.platform.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"cross-lister/internal/accounts"
	"cross-lister/internal/ratelimit"
)

// Item is the platform-neutral listing payload.
type Item struct {
	SKU            string
	ASIN           string
	PlatformItemID string
	Title          string
	Description    string
	Price          float64
	Currency       string
	Quantity       int
	Visibility     string
	CategoryPath   string
	ImageURLs      []string
}

// Ref identifies an existing platform listing. BASE keys its API on the
// numeric item id, eBay on the inventory SKU; adapters read the field their
// marketplace needs, so callers fill both.
type Ref struct {
	SKU            string
	PlatformItemID string
}

// Status tags an adapter call outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is the uniform adapter call outcome. ErrorCode carries the
// platform's own failure class (e.g. "hour_api_limit", "duplicate") so the
// scheduler can pick a retention policy without parsing messages.
type Result struct {
	Status         Status
	PlatformItemID string
	ErrorCode      string
	Message        string
}

// OK builds a success result carrying the platform's item id.
func OK(platformItemID string) Result {
	return Result{Status: StatusSuccess, PlatformItemID: platformItemID}
}

// Fail builds a failed result.
func Fail(code, message string) Result {
	return Result{Status: StatusFailed, ErrorCode: code, Message: message}
}

// Failf builds a failed result with a formatted message.
func Failf(code, format string, args ...interface{}) Result {
	return Result{Status: StatusFailed, ErrorCode: code, Message: fmt.Sprintf(format, args...)}
}

// Adapter is the capability set every marketplace integration provides.
// Mutating calls return a Result rather than an error: the scheduler records
// both outcomes in the queue, and a failed Result is routine, not
// exceptional.
type Adapter interface {
	Name() string

	UploadItem(ctx context.Context, item Item) Result
	UpdateItem(ctx context.Context, ref Ref, item Item) Result
	DeleteItem(ctx context.Context, ref Ref) Result
	UpdatePrice(ctx context.Context, ref Ref, price float64) Result
	UpdateQuantity(ctx context.Context, ref Ref, quantity int) Result
	UpdateVisibility(ctx context.Context, ref Ref, visibility string) Result
	UploadImages(ctx context.Context, ref Ref, urls []string) Result

	ListItems(ctx context.Context) ([]Item, error)
	GetItem(ctx context.Context, ref Ref) (*Item, error)

	ValidateItem(item Item) error
	CheckDuplicate(ctx context.Context, asin, sku string) (bool, error)
}

// Options carries everything an adapter constructor needs. DataDir holds the
// per-account token files and metadata sidecars.
type Options struct {
	AccountID string
	Accounts  *accounts.Manager
	Limiter   *ratelimit.Limiter
	DataDir   string
	Sandbox   bool
	Log       *zap.Logger
}

// Constructor builds an adapter bound to one account.
type Constructor func(opts Options) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register installs a constructor under a platform name. Called from the
// implementing package's init.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("platform: duplicate registration for " + name)
	}
	registry[name] = ctor
}

// New resolves a registered platform by name and builds its adapter.
func New(name string, opts Options) (Adapter, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("platform %q not registered (have %v)", name, Registered())
	}
	return ctor(opts)
}

// Registered lists the registered platform names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
