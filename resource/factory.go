package resource

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxLayers bounds transport nesting so a cyclic layering table fails fast.
const maxLayers = 8

// Factory resolves a URI and option bag into an Address. Resolution must be
// deterministic: identical inputs produce Equal addresses.
type Factory interface {
	Resolve(uri string, opts Options) (*Address, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(uri string, opts Options) (*Address, error)

func (f FactoryFunc) Resolve(uri string, opts Options) (*Address, error) { return f(uri, opts) }

// DefaultLayering is the scheme to transport-scheme table used by NewFactory.
var DefaultLayering = map[string]string{
	"ws":    "http",
	"wss":   "https",
	"http":  "tcp",
	"https": "ssl",
	"ssl":   "tcp",
}

// LayeredFactory builds nested transport chains from a scheme layering table.
type LayeredFactory struct {
	parents     map[string]string
	initSchemes map[string]bool
}

// FactoryOption configures a LayeredFactory.
type FactoryOption func(*LayeredFactory)

// WithLayer declares that scheme runs over parent.
func WithLayer(scheme, parent string) FactoryOption {
	return func(f *LayeredFactory) { f.parents[scheme] = parent }
}

// WithConnectInit marks schemes whose connectors need ConnectInit.
func WithConnectInit(schemes ...string) FactoryOption {
	return func(f *LayeredFactory) {
		for _, s := range schemes {
			f.initSchemes[s] = true
		}
	}
}

// NewFactory returns a LayeredFactory seeded with DefaultLayering.
func NewFactory(opts ...FactoryOption) *LayeredFactory {
	f := &LayeredFactory{
		parents:     make(map[string]string, len(DefaultLayering)),
		initSchemes: make(map[string]bool),
	}
	for k, v := range DefaultLayering {
		f.parents[k] = v
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Resolve implements Factory. The top-level address receives opts; nested
// transport addresses only inherit the plain transport Values.
func (f *LayeredFactory) Resolve(uri string, opts Options) (*Address, error) {
	scheme, err := Scheme(uri)
	if err != nil {
		return nil, err
	}
	transport, err := f.transportFor(uri, scheme, opts, 1)
	if err != nil {
		return nil, err
	}
	top := opts.Clone()
	top.ConnectRequiresInit = opts.ConnectRequiresInit || f.initSchemes[scheme]
	return NewAddress(uri, uri, top, transport)
}

func (f *LayeredFactory) transportFor(uri, scheme string, opts Options, depth int) (*Address, error) {
	parent, ok := f.parents[scheme]
	if !ok {
		return nil, nil
	}
	if depth > maxLayers {
		return nil, fmt.Errorf("%w: transport layering for %q is deeper than %d", ErrInvalidURI, uri, maxLayers)
	}
	resource, err := WithScheme(uri, parent)
	if err != nil {
		return nil, err
	}
	next, err := f.transportFor(uri, parent, opts, depth+1)
	if err != nil {
		return nil, err
	}
	nested := Options{
		ConnectRequiresInit: f.initSchemes[parent],
		Values:              opts.Clone().Values,
	}
	return NewAddress(uri, resource, nested, next)
}

// CachingFactory memoizes another Factory. Resolution is deterministic, so a
// cached Address is interchangeable with a freshly resolved one.
type CachingFactory struct {
	next  Factory
	cache *lru.Cache[string, *Address]
}

// NewCachingFactory wraps next with an LRU cache holding up to size entries.
func NewCachingFactory(next Factory, size int) (*CachingFactory, error) {
	cache, err := lru.New[string, *Address](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create address cache: %w", err)
	}
	return &CachingFactory{next: next, cache: cache}, nil
}

// Resolve implements Factory.
func (c *CachingFactory) Resolve(uri string, opts Options) (*Address, error) {
	key := uri + "#" + opts.fingerprint()
	if a, ok := c.cache.Get(key); ok {
		return a, nil
	}
	a, err := c.next.Resolve(uri, opts)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, a)
	return a, nil
}

// Len returns the number of cached addresses.
func (c *CachingFactory) Len() int { return c.cache.Len() }
