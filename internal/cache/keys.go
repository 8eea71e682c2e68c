package cache

import (
	"fmt"
	"time"
)

const (
	docKeyFormat      = "doc:%s:id:%s"
	docListPrefixFmt  = "doc:%s:list:"
	uploadKeyFormat   = "upload:%s"
	redisLargePrefix  = "hearth:lc:"
	pebbleSmallSubdir = "small"
)

const (
	DocTTL         = 5 * time.Minute
	DocListTTL     = 1 * time.Minute
	UploadImageTTL = 7 * 24 * time.Hour
	UploadMediaTTL = 30 * 24 * time.Hour
)

// DocKey is the memory-cache key of one document.
func DocKey(collection, id string) string {
	return fmt.Sprintf(docKeyFormat, collection, id)
}

// DocListPrefix prefixes every cached list or query result of a collection.
func DocListPrefix(collection string) string {
	return fmt.Sprintf(docListPrefixFmt, collection)
}

// DocListKey is the cache key of an unfiltered list result.
func DocListKey(collection, variant string) string {
	return DocListPrefix(collection) + variant
}

// UploadKey is the local-cache key for an upload fingerprint.
func UploadKey(fingerprint string) string {
	return fmt.Sprintf(uploadKeyFormat, fingerprint)
}

// ConversationUploadKey scopes an upload fingerprint to one conversation,
// for results that are only readable by its participants.
func ConversationUploadKey(fingerprint, conversation string) string {
	return UploadKey(fingerprint) + "@" + conversation
}

// RedisLargePrefix namespaces the large tier of the local cache in Redis.
func RedisLargePrefix() string {
	return redisLargePrefix
}

// PebbleSmallDir returns the small-tier directory under base.
func PebbleSmallDir(base string) string {
	return base + "/" + pebbleSmallSubdir
}
