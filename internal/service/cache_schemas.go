package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CacheKind tags the namespace a cache key belongs to.
type CacheKind string

const (
	RosterCache      CacheKind = "roster"
	MessageListCache CacheKind = "message_list"
	ProfileCache     CacheKind = "profile"
)

// Logical cache keys.
const (
	RosterKey            = "all_users"
	ProfileKey           = "user"
	messageListKeyPrefix = "private_chats_"
)

// MessageListKey returns the cache key of a room's history.
func MessageListKey(roomID string) string {
	return messageListKeyPrefix + roomID
}

// KindOf returns the namespace of key, or false for keys this client does not own.
func KindOf(key string) (CacheKind, bool) {
	switch {
	case key == RosterKey:
		return RosterCache, true
	case key == ProfileKey:
		return ProfileCache, true
	case strings.HasPrefix(key, messageListKeyPrefix) && len(key) > len(messageListKeyPrefix):
		return MessageListCache, true
	default:
		return "", false
	}
}

const userSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "integer"},
		"first_name": {"type": "string"},
		"last_name": {"type": "string"},
		"username": {"type": "string"},
		"email": {"type": "string"},
		"level": {"type": "string"},
		"bio": {"type": "string"},
		"profile_pic": {"type": "string"}
	}
}`

const messageListSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["id", "message"],
		"properties": {
			"id": {"type": ["integer", "string"], "minLength": 1},
			"room_id": {"type": "string"},
			"sender": {"type": "string"},
			"message": {"type": "string"},
			"timestamp": {"type": ["integer", "number", "string"]},
			"client_id": {"type": "string"}
		}
	}
}`

var cacheSchemaSources = map[CacheKind]string{
	RosterCache:      `{"type": "array", "items": ` + userSchema + `}`,
	ProfileCache:     userSchema,
	MessageListCache: messageListSchema,
}

type cacheSchemas map[CacheKind]*jsonschema.Schema

func compileCacheSchemas() (cacheSchemas, error) {
	compiled := make(cacheSchemas, len(cacheSchemaSources))
	for kind, source := range cacheSchemaSources {
		compiler := jsonschema.NewCompiler()
		url := "mem://cache/" + string(kind) + ".json"
		if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		compiled[kind] = schema
	}
	return compiled, nil
}

// validate checks raw against the schema of kind.
func (s cacheSchemas) validate(kind CacheKind, raw []byte) error {
	schema, ok := s[kind]
	if !ok {
		return fmt.Errorf("no schema for cache kind %q", kind)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var document interface{}
	if err := decoder.Decode(&document); err != nil {
		return err
	}
	return schema.Validate(document)
}
