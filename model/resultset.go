package model

import "context"

// defaultBatchSize is how many results a Resultset requests per round trip
// when the query's limit does not cap it lower.
const defaultBatchSize = 300

// Resultset is a lazy, forward-only sequence of query results. It fetches in
// batches and cannot be restarted; run the query again for a fresh pass.
//
//	rs := q.Run()
//	for rs.Next(ctx) {
//	    e := rs.Entity()
//	    ...
//	}
//	if err := rs.Err(); err != nil { ... }
type Resultset struct {
	query     Query
	model     *Model
	adapter   Adapter
	batchSize int
	keysOnly  bool

	remaining int // results still allowed under the limit, -1 when unlimited
	offset    int // applied to the first fetch only
	cursor    string
	started   bool
	done      bool
	buffer    []QueryRow
	key       *Key
	entity    *Entity
	err       error
}

// Run starts the query and returns its resultset. Errors surface on the
// first Next call.
func (q Query) Run() *Resultset {
	return q.run(false)
}

// RunKeys is Run for keys-only queries: results carry keys without entity
// data.
func (q Query) RunKeys() *Resultset {
	return q.run(true)
}

func (q Query) run(keysOnly bool) *Resultset {
	return &Resultset{
		query:     q.prepare(),
		batchSize: defaultBatchSize,
		keysOnly:  keysOnly,
		remaining: q.limit,
		offset:    q.offset,
	}
}

// Next fetches the next result, reporting whether one is available. It
// returns false once the resultset is exhausted or an error occurred; check
// Err afterwards.
func (rs *Resultset) Next(ctx context.Context) bool {
	if rs.err != nil {
		return false
	}
	if rs.remaining == 0 {
		return false
	}

	if len(rs.buffer) == 0 {
		if rs.done {
			return false
		}
		if !rs.fetch(ctx) {
			return false
		}
	}

	row := rs.buffer[0]
	rs.buffer = rs.buffer[1:]
	rs.key = row.Key
	rs.entity = nil

	if !rs.keysOnly {
		entity, err := rs.model.load(row.Key, row.Data)
		if err != nil {
			rs.err = err
			return false
		}
		rs.entity = entity
	}

	if rs.remaining > 0 {
		rs.remaining--
	}
	return true
}

func (rs *Resultset) fetch(ctx context.Context) bool {
	if !rs.started {
		m := rs.query.model
		if m == nil {
			// Fail before touching the adapter when the kind is unregistered.
			var err error
			if m, err = LookupModel(rs.query.kind); err != nil {
				rs.err = err
				return false
			}
		}
		rs.model = m
		rs.adapter = m.Adapter()
		if rs.adapter == nil {
			rs.err = ErrNoAdapter
			return false
		}
	}

	batch := rs.batchSize
	if rs.remaining >= 0 && rs.remaining < batch {
		batch = rs.remaining
	}

	opts := QueryOptions{
		BatchSize: batch,
		Cursor:    rs.cursor,
		KeysOnly:  rs.keysOnly,
	}
	if !rs.started {
		opts.Offset = rs.offset
	}
	rs.started = true

	result, err := rs.adapter.Query(ctx, rs.query, opts)
	if err != nil {
		rs.err = err
		return false
	}

	rs.buffer = result.Rows
	rs.cursor = result.Cursor
	// A batch smaller than requested means the results ran out.
	if len(result.Rows) < batch || result.Cursor == "" {
		rs.done = true
	}
	return len(rs.buffer) > 0
}

// Entity returns the current result, or nil for keys-only runs.
func (rs *Resultset) Entity() *Entity { return rs.entity }

// Key returns the current result's key.
func (rs *Resultset) Key() *Key { return rs.key }

// Err returns the first error the resultset hit, if any.
func (rs *Resultset) Err() error { return rs.err }

// Get runs the query capped to one result and returns it, or nil when
// nothing matched.
func (q Query) Get(ctx context.Context) (*Entity, error) {
	rs := q.WithLimit(1).Run()
	if rs.Next(ctx) {
		return rs.Entity(), nil
	}
	return nil, rs.Err()
}

// Pages is a sequence of discrete result pages, each carrying a cursor that
// can resume the query from exactly that point in a later, independent call.
type Pages struct {
	query     Query
	pageSize  int
	cursor    string
	remaining int
	started   bool
	hasMore   bool
}

// Page is one fetched batch plus its resumption cursor.
type Page struct {
	entities []*Entity
	keys     []*Key
	cursor   string
}

// Entities returns the page's results.
func (p *Page) Entities() []*Entity { return p.entities }

// Keys returns the keys of the page's results.
func (p *Page) Keys() []*Key { return p.keys }

// Cursor resumes the query immediately after this page:
// q.Paginate(size, page.Cursor()).
func (p *Page) Cursor() string { return p.cursor }

// Paginate splits the query's results into pages of pageSize. A non-empty
// cursor resumes after a previously returned page.
func (q Query) Paginate(pageSize int, cursor string) *Pages {
	return &Pages{
		query:     q.prepare(),
		pageSize:  pageSize,
		cursor:    cursor,
		remaining: q.limit,
		hasMore:   true,
	}
}

// HasMore reports whether NextPage may return another non-empty page.
func (p *Pages) HasMore() bool { return p.hasMore }

// NextPage fetches the next page. Once the results are exhausted it returns
// an empty page and HasMore turns false.
func (p *Pages) NextPage(ctx context.Context) (*Page, error) {
	if !p.hasMore {
		return &Page{}, nil
	}

	m := p.query.model
	if m == nil {
		var err error
		if m, err = LookupModel(p.query.kind); err != nil {
			return nil, err
		}
	}
	adapter := m.Adapter()
	if adapter == nil {
		return nil, ErrNoAdapter
	}

	batch := p.pageSize
	if p.remaining >= 0 && p.remaining < batch {
		batch = p.remaining
	}

	opts := QueryOptions{BatchSize: batch, Cursor: p.cursor}
	if !p.started {
		opts.Offset = p.query.offset
	}
	p.started = true

	result, err := adapter.Query(ctx, p.query, opts)
	if err != nil {
		return nil, err
	}

	page := &Page{cursor: result.Cursor}
	for _, row := range result.Rows {
		entity, err := m.load(row.Key, row.Data)
		if err != nil {
			return nil, err
		}
		page.entities = append(page.entities, entity)
		page.keys = append(page.keys, row.Key)
	}

	p.cursor = result.Cursor
	if p.remaining > 0 {
		p.remaining -= len(result.Rows)
	}
	if len(result.Rows) == 0 || result.Cursor == "" || p.remaining == 0 {
		p.hasMore = false
	}
	return page, nil
}
