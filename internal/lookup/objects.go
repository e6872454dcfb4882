package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"golang.org/x/sync/errgroup"
)

const DefaultObjectEndpoint = "https://collectionapi.metmuseum.org/public/collection/v1"

type Object struct {
	ObjectID          int      `json:"objectID"`
	Title             string   `json:"title,omitempty"`
	PrimaryImage      string   `json:"primaryImage"`
	PrimaryImageSmall string   `json:"primaryImageSmall"`
	AdditionalImages  []string `json:"additionalImages"`
}

type Images struct {
	Primary      string   `json:"primary"`
	PrimarySmall string   `json:"primarySm"`
	Alt          []string `json:"alt"`
}

func (o Object) Images() Images {
	return Images{Primary: o.PrimaryImage, PrimarySmall: o.PrimaryImageSmall, Alt: o.AdditionalImages}
}

type ObjectOptions struct {
	Endpoint    string
	CacheTTL    time.Duration
	Concurrency int
	HTTPClient  *http.Client
}

// ObjectClient fetches collection object metadata, caching responses in an
// in-memory badger instance.
type ObjectClient struct {
	endpoint    string
	ttl         time.Duration
	concurrency int
	client      *http.Client
	db          *badger.DB
	log         *slog.Logger
}

func NewObjectClient(opts ObjectOptions, logger *slog.Logger) (*ObjectClient, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultObjectEndpoint
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	bopts := badger.DefaultOptions("").WithInMemory(true)
	bopts.Logger = nil
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open object cache: %w", err)
	}
	return &ObjectClient{
		endpoint:    strings.TrimRight(opts.Endpoint, "/"),
		ttl:         opts.CacheTTL,
		concurrency: opts.Concurrency,
		client:      defaultHTTPClient(opts.HTTPClient),
		db:          db,
		log:         logger.With(slog.String("component", "object-client")),
	}, nil
}

func (c *ObjectClient) Close() error {
	return c.db.Close()
}

func (c *ObjectClient) Object(ctx context.Context, id string) (Object, error) {
	if obj, ok := c.cached(id); ok {
		return obj, nil
	}
	req, err := newJSONRequest(ctx, http.MethodGet, c.endpoint+"/objects/"+url.PathEscape(id), nil)
	if err != nil {
		return Object{}, err
	}
	var obj Object
	if _, err := doJSON(c.client, req, &obj); err != nil {
		return Object{}, fmt.Errorf("object %s: %w", id, err)
	}
	c.store(id, obj)
	return obj, nil
}

func (c *ObjectClient) cached(id string) (Object, bool) {
	var obj Object
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &obj)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.log.Warn("object cache read failed", slog.String("object_id", id), slog.String("error", err.Error()))
		}
		return Object{}, false
	}
	return obj, true
}

func (c *ObjectClient) store(id string, obj Object) {
	data, err := json.Marshal(obj)
	if err != nil {
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(id), data).WithTTL(c.ttl))
	})
	if err != nil {
		c.log.Warn("object cache write failed", slog.String("object_id", id), slog.String("error", err.Error()))
	}
}

// AssignImages sets the "images" field of every document that carries an
// objectId. Documents whose object cannot be fetched are left untouched and
// the failures are returned joined.
func (c *ObjectClient) AssignImages(ctx context.Context, docs []Document) error {
	images := make([]*Images, len(docs))
	errs := make([]error, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, doc := range docs {
		i := i
		id := doc.ObjectID()
		if id == "" {
			continue
		}
		g.Go(func() error {
			obj, err := c.Object(gctx, id)
			if err != nil {
				errs[i] = err
				return nil
			}
			img := obj.Images()
			images[i] = &img
			return nil
		})
	}
	_ = g.Wait()

	for i, img := range images {
		if img != nil {
			docs[i]["images"] = *img
		}
	}
	return errors.Join(errs...)
}
