// Package storage provides a namespaced, TTL-aware key/value abstraction
// shared by gateway replicas. The permission cache stores its decisions here
// so that per-member and per-organization invalidation can be expressed as a
// namespace deletion.
package storage

import (
	"context"
	"time"
)

// Storage defines the primary interface for hierarchical data storage
type Storage interface {
	// Get retrieves data for a specific key within the given namespace
	// Returns nil StorageItem if key doesn't exist or has expired
	// Returns error only for legitimate storage system failures
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a specific key within the given namespace
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace.
	// If no key is specified via WithKey, the entire namespace is removed,
	// including every nested namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources
	Close() error
}

// StorageItem represents a stored piece of data with metadata
type StorageItem struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// ExpiredAt reports whether the item has expired as of now.
func (si *StorageItem) ExpiredAt(now time.Time) bool {
	return si.ExpiresAt != nil && now.After(*si.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace      // Optional: specifies the storage namespace (nil = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
}

// ApplyOptions folds opts into a fresh Options value.
func ApplyOptions(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Namespace represents a storage namespace (organization or member level).
// If nil, storage operates in the global namespace.
type Namespace interface {
	namespace() // private method to ensure only our types implement this
}

// OrganizationNamespace holds data scoped to an organization. Deleting it
// also deletes every MemberNamespace of the same organization.
type OrganizationNamespace struct {
	OrganizationID string
}

func (OrganizationNamespace) namespace() {}

// MemberNamespace holds data scoped to one member of an organization.
type MemberNamespace struct {
	OrganizationID string
	UserID         string
}

func (MemberNamespace) namespace() {}

// WithOrganization specifies organization-level storage namespace
func WithOrganization(orgID string) Option {
	return func(opts *Options) {
		opts.Namespace = OrganizationNamespace{OrganizationID: orgID}
	}
}

// WithMember specifies member-level storage namespace
func WithMember(orgID, userID string) Option {
	return func(opts *Options) {
		opts.Namespace = MemberNamespace{OrganizationID: orgID, UserID: userID}
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the entire namespace
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// NamespacePrefix returns the key prefix shared by every key stored in ns.
// Backends prepend their own prefix. Prefixes nest: an organization prefix is
// a prefix of each of its member prefixes.
func NamespacePrefix(ns Namespace) string {
	switch ns := ns.(type) {
	case OrganizationNamespace:
		return "org:" + ns.OrganizationID + ":"
	case MemberNamespace:
		return "org:" + ns.OrganizationID + ":member:" + ns.UserID + ":"
	default:
		return "global:"
	}
}
