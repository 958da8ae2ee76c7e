package transport

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
	"gitlab.com/gitlab-org/shardkv/internal/replication/fifo"
	"gitlab.com/gitlab-org/shardkv/internal/replication/region"
	"gitlab.com/gitlab-org/shardkv/internal/replication/store"
	"gitlab.com/gitlab-org/shardkv/internal/replication/timestamp"
	"gitlab.com/gitlab-org/shardkv/internal/replication/version"
)

// The functions below follow the messages of proto/shared.proto and the
// service definitions next to it. Field numbers must stay in sync.

func encodeRegion(e *encoder, r region.Region) {
	e.string(1, r.Start)
	e.string(2, r.End)
	e.bool(3, r.Unbounded)
}

func decodeRegion(d *decoder) (r region.Region) {
	for d.next() {
		switch d.num {
		case 1:
			r.Start = d.string()
		case 2:
			r.End = d.string()
		case 3:
			r.Unbounded = d.bool()
		}
	}
	return r
}

func encodeTransition(e *encoder, t timestamp.Transition) {
	e.uint(1, uint64(t.Before))
	e.uint(2, uint64(t.After))
}

func decodeTransition(d *decoder) (t timestamp.Transition) {
	for d.next() {
		switch d.num {
		case 1:
			t.Before = timestamp.Timestamp(d.uint())
		case 2:
			t.After = timestamp.Timestamp(d.uint())
		}
	}
	return t
}

func encodeVersion(e *encoder, v version.Version) {
	e.uuid(1, v.Branch)
	e.uint(2, uint64(v.Timestamp))
}

func decodeVersion(d *decoder) (v version.Version) {
	for d.next() {
		switch d.num {
		case 1:
			v.Branch = d.uuid()
		case 2:
			v.Timestamp = timestamp.Timestamp(d.uint())
		}
	}
	return v
}

func encodeRange(e *encoder, r version.Range) {
	e.message(1, func(e *encoder) { encodeVersion(e, r.Earliest) })
	e.message(2, func(e *encoder) { encodeVersion(e, r.Latest) })
}

func decodeRange(d *decoder) (r version.Range) {
	for d.next() {
		switch d.num {
		case 1:
			r.Earliest = decodeVersion(d.message())
		case 2:
			r.Latest = decodeVersion(d.message())
		}
	}
	return r
}

// encodeMap writes every entry of m as a message holding the region in
// field 1 and the value in field 2.
func encodeMap[V any](e *encoder, m region.Map[V], value func(*encoder, V)) {
	for _, entry := range m.Entries() {
		entry := entry
		e.message(1, func(e *encoder) {
			e.message(1, func(e *encoder) { encodeRegion(e, entry.Region) })
			e.message(2, func(e *encoder) { value(e, entry.Value) })
		})
	}
}

func decodeMap[V any](d *decoder, value func(*decoder) V) region.Map[V] {
	var entries []region.Entry[V]
	for d.next() {
		if d.num != 1 {
			continue
		}

		var entry region.Entry[V]
		sub := d.message()
		for sub.next() {
			switch sub.num {
			case 1:
				entry.Region = decodeRegion(sub.message())
			case 2:
				entry.Value = value(sub.message())
			}
		}
		entries = append(entries, entry)
	}

	m, err := region.FromEntries(entries)
	if err != nil {
		d.fail(fmt.Errorf("%w: %v", errMalformed, err))
	}
	return m
}

func encodeVersionMap(e *encoder, m version.Map) {
	encodeMap(e, m, encodeVersion)
}

func decodeVersionMap(d *decoder) version.Map {
	return decodeMap(d, decodeVersion)
}

func encodeRangeMap(e *encoder, m version.RangeMap) {
	encodeMap(e, m, encodeRange)
}

func decodeRangeMap(d *decoder) version.RangeMap {
	return decodeMap(d, decodeRange)
}

func encodeSnapshot(e *encoder, s version.Snapshot) {
	ids := make([]uuid.UUID, 0, len(s.Certificates))
	for id := range s.Certificates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		id, cert := id, s.Certificates[id]
		e.message(1, func(e *encoder) {
			e.uuid(1, id)
			e.message(2, func(e *encoder) { encodeRegion(e, cert.Region) })
			e.uint(3, uint64(cert.InitialTimestamp))
			e.message(4, func(e *encoder) { encodeRangeMap(e, cert.Origin) })
		})
	}
}

func decodeSnapshot(d *decoder) version.Snapshot {
	s := version.Snapshot{Certificates: map[uuid.UUID]version.BirthCertificate{}}
	for d.next() {
		if d.num != 1 {
			continue
		}

		var id uuid.UUID
		var cert version.BirthCertificate
		sub := d.message()
		for sub.next() {
			switch sub.num {
			case 1:
				id = sub.uuid()
			case 2:
				cert.Region = decodeRegion(sub.message())
			case 3:
				cert.InitialTimestamp = timestamp.Timestamp(sub.uint())
			case 4:
				cert.Origin = decodeRangeMap(sub.message())
			}
		}
		s.Certificates[id] = cert
	}
	return s
}

func encodeFifoState(e *encoder, s fifo.State) {
	e.uint(1, uint64(s.Timestamp))
	e.uint(2, s.NumReads)
}

func decodeFifoState(d *decoder) (s fifo.State) {
	for d.next() {
		switch d.num {
		case 1:
			s.Timestamp = timestamp.Timestamp(d.uint())
		case 2:
			s.NumReads = d.uint()
		}
	}
	return s
}

func encodeWriteToken(e *encoder, t fifo.WriteToken) {
	e.message(1, func(e *encoder) { encodeTransition(e, t.Timestamp) })
	e.uint(2, t.NumPrecedingReads)
}

func decodeWriteToken(d *decoder) (t fifo.WriteToken) {
	for d.next() {
		switch d.num {
		case 1:
			t.Timestamp = decodeTransition(d.message())
		case 2:
			t.NumPrecedingReads = d.uint()
		}
	}
	return t
}

func encodeReadToken(e *encoder, t fifo.ReadToken) {
	e.uint(1, uint64(t.Timestamp))
	e.uint(2, t.Index)
}

func decodeReadToken(d *decoder) (t fifo.ReadToken) {
	for d.next() {
		switch d.num {
		case 1:
			t.Timestamp = timestamp.Timestamp(d.uint())
		case 2:
			t.Index = d.uint()
		}
	}
	return t
}

func encodeWriteOp(e *encoder, op store.WriteOp) {
	for _, m := range op.Mutations {
		m := m
		e.message(1, func(e *encoder) {
			e.string(1, m.Key)
			e.bytes(2, m.Value)
			e.bool(3, m.Delete)
		})
	}
}

func decodeWriteOp(d *decoder) (op store.WriteOp) {
	for d.next() {
		if d.num != 1 {
			continue
		}

		var m store.Mutation
		sub := d.message()
		for sub.next() {
			switch sub.num {
			case 1:
				m.Key = sub.string()
			case 2:
				m.Value = sub.bytes()
			case 3:
				m.Delete = sub.bool()
			}
		}
		op.Mutations = append(op.Mutations, m)
	}
	return op
}

func encodeWriteResponse(e *encoder, r store.WriteResponse) {
	e.int(1, r.Inserted)
	e.int(2, r.Replaced)
	e.int(3, r.Deleted)
}

func decodeWriteResponse(d *decoder) (r store.WriteResponse) {
	for d.next() {
		switch d.num {
		case 1:
			r.Inserted = d.int()
		case 2:
			r.Replaced = d.int()
		case 3:
			r.Deleted = d.int()
		}
	}
	return r
}

func encodeReadOp(e *encoder, op store.ReadOp) {
	for _, key := range op.Keys {
		e.repeatedString(1, key)
	}
	if op.Scan != nil {
		e.message(2, func(e *encoder) { encodeRegion(e, *op.Scan) })
	}
	e.int(3, op.Limit)
}

func decodeReadOp(d *decoder) (op store.ReadOp) {
	for d.next() {
		switch d.num {
		case 1:
			op.Keys = append(op.Keys, d.string())
		case 2:
			scan := decodeRegion(d.message())
			op.Scan = &scan
		case 3:
			op.Limit = d.int()
		}
	}
	return op
}

func encodeReadResponse(e *encoder, r store.ReadResponse) {
	for _, p := range r.Pairs {
		p := p
		e.message(1, func(e *encoder) {
			e.string(1, p.Key)
			e.bytes(2, p.Value)
		})
	}
}

func decodeReadResponse(d *decoder) (r store.ReadResponse) {
	for d.next() {
		if d.num != 1 {
			continue
		}

		var p store.Pair
		sub := d.message()
		for sub.next() {
			switch sub.num {
			case 1:
				p.Key = sub.string()
			case 2:
				p.Value = sub.bytes()
			}
		}
		r.Pairs = append(r.Pairs, p)
	}
	return r
}

func encodeItem(e *encoder, item store.Item) {
	e.string(1, item.Key)
	e.bytes(2, item.Value)
	e.bool(3, item.Deleted)
	e.uint(4, uint64(item.Recency))
}

func decodeItem(d *decoder) (item store.Item) {
	for d.next() {
		switch d.num {
		case 1:
			item.Key = d.string()
		case 2:
			item.Value = d.bytes()
		case 3:
			item.Deleted = d.bool()
		case 4:
			item.Recency = timestamp.Timestamp(d.uint())
		}
	}
	return item
}

func encodeWriteRequest(e *encoder, r replication.WriteRequest) {
	e.message(1, func(e *encoder) { encodeWriteOp(e, r.Op) })
	e.message(2, func(e *encoder) { encodeWriteToken(e, r.Token) })
	e.bool(3, r.Respond)
}

func decodeWriteRequest(d *decoder) (r replication.WriteRequest) {
	for d.next() {
		switch d.num {
		case 1:
			r.Op = decodeWriteOp(d.message())
		case 2:
			r.Token = decodeWriteToken(d.message())
		case 3:
			r.Respond = d.bool()
		}
	}
	return r
}

func encodeWriteAck(e *encoder, a replication.WriteAck) {
	e.bool(1, a.Applied)
	if a.Response != nil {
		e.message(2, func(e *encoder) { encodeWriteResponse(e, *a.Response) })
	}
}

func decodeWriteAck(d *decoder) (a replication.WriteAck) {
	for d.next() {
		switch d.num {
		case 1:
			a.Applied = d.bool()
		case 2:
			resp := decodeWriteResponse(d.message())
			a.Response = &resp
		}
	}
	return a
}

func encodeReadRequest(e *encoder, r replication.ReadRequest) {
	e.message(1, func(e *encoder) { encodeReadOp(e, r.Op) })
	e.uint(2, uint64(r.MinTimestamp))
	if r.Token != nil {
		e.message(3, func(e *encoder) { encodeReadToken(e, *r.Token) })
	}
}

func decodeReadRequest(d *decoder) (r replication.ReadRequest) {
	for d.next() {
		switch d.num {
		case 1:
			r.Op = decodeReadOp(d.message())
		case 2:
			r.MinTimestamp = timestamp.Timestamp(d.uint())
		case 3:
			token := decodeReadToken(d.message())
			r.Token = &token
		}
	}
	return r
}

func encodeIntro(e *encoder, i replication.Intro) {
	e.uuid(1, i.ID)
	e.uuid(2, i.Branch)
	e.message(3, func(e *encoder) { encodeRegion(e, i.Region) })
	e.uint(4, uint64(i.BeginTimestamp))
	e.message(5, func(e *encoder) { encodeFifoState(e, i.Fifo) })
	e.message(6, func(e *encoder) { encodeSnapshot(e, i.History) })
}

func decodeIntro(d *decoder) (i replication.Intro) {
	i.History = version.Snapshot{Certificates: map[uuid.UUID]version.BirthCertificate{}}
	for d.next() {
		switch d.num {
		case 1:
			i.ID = d.uuid()
		case 2:
			i.Branch = d.uuid()
		case 3:
			i.Region = decodeRegion(d.message())
		case 4:
			i.BeginTimestamp = timestamp.Timestamp(d.uint())
		case 5:
			i.Fifo = decodeFifoState(d.message())
		case 6:
			i.History = decodeSnapshot(d.message())
		}
	}
	return i
}

func encodeBackfillRequest(e *encoder, r backfill.Request) {
	e.message(1, func(e *encoder) { encodeVersionMap(e, r.Start) })
	for _, key := range r.Divergent {
		e.repeatedString(2, key)
	}
	e.uint(3, uint64(r.MinTimestamp))
	e.int(4, r.Parallelism)
	e.message(5, func(e *encoder) {
		e.int(1, r.Budget.MaxItems)
		e.int(2, r.Budget.MaxBytes)
	})
}

func decodeBackfillRequest(d *decoder) (r backfill.Request) {
	for d.next() {
		switch d.num {
		case 1:
			r.Start = decodeVersionMap(d.message())
		case 2:
			r.Divergent = append(r.Divergent, d.string())
		case 3:
			r.MinTimestamp = timestamp.Timestamp(d.uint())
		case 4:
			r.Parallelism = d.int()
		case 5:
			sub := d.message()
			for sub.next() {
				switch sub.num {
				case 1:
					r.Budget.MaxItems = sub.int()
				case 2:
					r.Budget.MaxBytes = sub.int()
				}
			}
		}
	}
	return r
}

func encodeHandshake(e *encoder, h backfill.Handshake) {
	e.message(1, func(e *encoder) { encodeRangeMap(e, h.Versions) })
	e.message(2, func(e *encoder) { encodeSnapshot(e, h.History) })
}

func decodeHandshake(d *decoder) (h backfill.Handshake) {
	h.History = version.Snapshot{Certificates: map[uuid.UUID]version.BirthCertificate{}}
	for d.next() {
		switch d.num {
		case 1:
			h.Versions = decodeRangeMap(d.message())
		case 2:
			h.History = decodeSnapshot(d.message())
		}
	}
	return h
}

func encodeChunk(e *encoder, c backfill.Chunk) {
	e.int(1, c.Walker)
	for _, item := range c.Items {
		item := item
		e.message(2, func(e *encoder) { encodeItem(e, item) })
	}
	e.uint(3, c.Released)
	e.uint(4, c.Total)
}

func decodeChunk(d *decoder) (c backfill.Chunk) {
	for d.next() {
		switch d.num {
		case 1:
			c.Walker = d.int()
		case 2:
			c.Items = append(c.Items, decodeItem(d.message()))
		case 3:
			c.Released = d.uint()
		case 4:
			c.Total = d.uint()
		}
	}
	return c
}

func encodeEndPoint(e *encoder, p backfill.EndPoint) {
	e.message(1, func(e *encoder) { encodeVersionMap(e, p.Versions) })
	e.message(2, func(e *encoder) { encodeSnapshot(e, p.History) })
}

func decodeEndPoint(d *decoder) (p backfill.EndPoint) {
	p.History = version.Snapshot{Certificates: map[uuid.UUID]version.BirthCertificate{}}
	for d.next() {
		switch d.num {
		case 1:
			p.Versions = decodeVersionMap(d.message())
		case 2:
			p.History = decodeSnapshot(d.message())
		}
	}
	return p
}

func encodeSendResponse(e *encoder, r SendResponse) {
	switch {
	case r.Chunk != nil:
		e.message(1, func(e *encoder) { encodeChunk(e, *r.Chunk) })
	case r.EndPoint != nil:
		e.message(2, func(e *encoder) { encodeEndPoint(e, *r.EndPoint) })
	}
}

func decodeSendResponse(d *decoder) (r SendResponse) {
	for d.next() {
		switch d.num {
		case 1:
			chunk := decodeChunk(d.message())
			r.Chunk, r.EndPoint = &chunk, nil
		case 2:
			end := decodeEndPoint(d.message())
			r.Chunk, r.EndPoint = nil, &end
		}
	}
	return r
}

func decodeRegisterRequest(d *decoder) (r RegisterRequest) {
	for d.next() {
		if d.num == 1 {
			r.Address = d.string()
		}
	}
	return r
}

func decodeListenerRequest(d *decoder) (r ListenerRequest) {
	for d.next() {
		if d.num == 1 {
			r.ID = d.uuid()
		}
	}
	return r
}

func decodePutRequest(d *decoder) (r PutRequest) {
	for d.next() {
		switch d.num {
		case 1:
			r.Key = d.string()
		case 2:
			r.Value = d.bytes()
		}
	}
	return r
}

func decodeDeleteRequest(d *decoder) (r DeleteRequest) {
	for d.next() {
		if d.num == 1 {
			r.Key = d.string()
		}
	}
	return r
}

func decodeGetRequest(d *decoder) (r GetRequest) {
	for d.next() {
		switch d.num {
		case 1:
			r.Keys = append(r.Keys, d.string())
		case 2:
			r.Ordered = d.bool()
		}
	}
	return r
}

func encodeScanRequest(e *encoder, r ScanRequest) {
	e.message(1, func(e *encoder) { encodeRegion(e, r.Region) })
	e.int(2, r.Limit)
	e.bool(3, r.Ordered)
}

func decodeScanRequest(d *decoder) (r ScanRequest) {
	for d.next() {
		switch d.num {
		case 1:
			r.Region = decodeRegion(d.message())
		case 2:
			r.Limit = d.int()
		case 3:
			r.Ordered = d.bool()
		}
	}
	return r
}
