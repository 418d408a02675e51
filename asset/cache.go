package asset

import (
	"sync"

	"github.com/arloliu/go-tes/internal/queue"
)

// DocumentKind names the kind of an asset document.
type DocumentKind string

const (
	ResourceKind DocumentKind = "resource"
	DatumKind    DocumentKind = "datum"
)

// Document is one cached record. Exactly one of Resource and Datum is set, according to Kind.
type Document struct {
	Kind     DocumentKind
	Resource *Resource
	Datum    *Datum
}

// Cache is a goroutine safe FIFO of asset documents that yields each document once.
type Cache struct {
	mu   sync.Mutex
	docs queue.Queue[Document]
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{docs: queue.NewSliceQueue[Document](16)}
}

// AppendResource caches res.
func (c *Cache) AppendResource(res *Resource) {
	c.append(Document{Kind: ResourceKind, Resource: res})
}

// AppendDatum caches d.
func (c *Cache) AppendDatum(d *Datum) {
	c.append(Document{Kind: DatumKind, Datum: d})
}

func (c *Cache) append(doc Document) {
	c.mu.Lock()
	c.docs.Enqueue(doc)
	c.mu.Unlock()
}

// Drain removes and returns every cached document in the order it was appended.
// A second Drain without intervening appends returns nil.
func (c *Cache) Drain() []Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.docs.Drain()
}

// Len returns the number of cached documents.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.docs.Length()
}
