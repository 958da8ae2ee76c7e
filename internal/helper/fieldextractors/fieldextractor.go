package fieldextractors

import (
	"strings"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/shardkv/internal/replication"
	"gitlab.com/gitlab-org/shardkv/internal/replication/backfill"
)

type keyBasedRequest interface {
	GetKey() string
}

type keysBasedRequest interface {
	GetKeys() []string
}

type listenerBasedRequest interface {
	GetListenerID() uuid.UUID
}

type addressBasedRequest interface {
	GetAddress() string
}

func formatWriteRequest(req *replication.WriteRequest) map[string]interface{} {
	return map[string]interface{}{
		"write.before":    uint64(req.Token.Timestamp.Before),
		"write.after":     uint64(req.Token.Timestamp.After),
		"write.mutations": len(req.Op.Mutations),
	}
}

func formatReadRequest(req *replication.ReadRequest) map[string]interface{} {
	fields := map[string]interface{}{
		"read.minTimestamp": uint64(req.MinTimestamp),
		"read.ordered":      req.Token != nil,
	}
	if req.Op.Scan != nil {
		fields["read.scan"] = req.Op.Scan.String()
	} else {
		fields["read.keys"] = len(req.Op.Keys)
	}
	return fields
}

func formatBackfillRequest(req *backfill.Request) map[string]interface{} {
	return map[string]interface{}{
		"backfill.minTimestamp": uint64(req.MinTimestamp),
		"backfill.parallelism":  req.Parallelism,
		"backfill.divergent":    len(req.Divergent),
	}
}

// FieldExtractor will extract the relevant fields from an incoming grpc request
func FieldExtractor(fullMethod string, req interface{}) map[string]interface{} {
	if req == nil {
		return nil
	}

	var result map[string]interface{}

	switch req := req.(type) {
	case *replication.WriteRequest:
		result = formatWriteRequest(req)
	case *replication.ReadRequest:
		result = formatReadRequest(req)
	case *backfill.Request:
		result = formatBackfillRequest(req)
	case keyBasedRequest:
		result = map[string]interface{}{"key": req.GetKey()}
	case keysBasedRequest:
		result = map[string]interface{}{"keys": len(req.GetKeys())}
	case listenerBasedRequest:
		result = map[string]interface{}{"listener": req.GetListenerID().String()}
	case addressBasedRequest:
		result = map[string]interface{}{"listener.address": req.GetAddress()}
	}

	if result == nil {
		result = make(map[string]interface{})
	}

	if strings.HasPrefix(fullMethod, "/shardkv.Listener/") {
		result["component"] = "listener"
	}

	result["fullMethod"] = fullMethod

	return result
}
