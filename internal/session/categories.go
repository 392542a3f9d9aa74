// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/autobrr/torrentd/internal/resumedata"
)

var (
	ErrInvalidCategoryName = errors.New("invalid category name")
	ErrCategoryExists      = errors.New("category already exists")
	ErrCategoryNotFound    = errors.New("category not found")
	ErrInvalidTag          = errors.New("invalid tag")
	ErrTagExists           = errors.New("tag already exists")
	ErrTagNotFound         = errors.New("tag not found")
)

// CategoryOptions are the per-category path overrides. A nil SavePath means
// the category inherits from its parent (or the session default). For
// DownloadPath, nil inherits, a pointer to "" disables the incomplete
// directory for this subtree, and a non-empty value overrides it.
type CategoryOptions struct {
	SavePath     *string
	DownloadPath *string
}

func (o CategoryOptions) equal(other CategoryOptions) bool {
	return strPtrEqual(o.SavePath, other.SavePath) &&
		strPtrEqual(o.DownloadPath, other.DownloadPath)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// IsValidCategoryName reports whether name is acceptable: non-empty segments
// separated by single slashes, no leading or trailing slash.
func IsValidCategoryName(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if strings.TrimSpace(seg) == "" {
			return false
		}
	}
	return true
}

// expandCategory lists name and every ancestor, most specific first:
// expandCategory("a/b/c") = ["a/b/c", "a/b", "a"].
func expandCategory(name string) []string {
	if name == "" {
		return nil
	}
	var out []string
	for {
		out = append(out, name)
		i := strings.LastIndex(name, "/")
		if i < 0 {
			return out
		}
		name = name[:i]
	}
}

func isSubcategoryOf(name, parent string) bool {
	return strings.HasPrefix(name, parent+"/")
}

// CategoryStore holds the category tree and the session-wide tag set. The
// tree is flat internally (full path -> options); hierarchy semantics come
// from path expansion.
type CategoryStore struct {
	categories map[string]CategoryOptions
	tags       []string
}

func NewCategoryStore() *CategoryStore {
	return &CategoryStore{categories: make(map[string]CategoryOptions)}
}

func (c *CategoryStore) Has(name string) bool {
	_, ok := c.categories[name]
	return ok
}

func (c *CategoryStore) Options(name string) (CategoryOptions, bool) {
	opts, ok := c.categories[name]
	return opts, ok
}

// Names returns all category names sorted lexicographically.
func (c *CategoryStore) Names() []string {
	names := make([]string, 0, len(c.categories))
	for name := range c.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add registers a category. With subcategories enabled, missing ancestors are
// created alongside it with no overrides. Returns every name actually added,
// ancestors first.
func (c *CategoryStore) Add(name string, opts CategoryOptions, subcategories bool) ([]string, error) {
	if !IsValidCategoryName(name) {
		return nil, errors.Wrapf(ErrInvalidCategoryName, "category %q", name)
	}
	if c.Has(name) {
		return nil, errors.Wrapf(ErrCategoryExists, "category %q", name)
	}

	chain := expandCategory(name)
	if len(chain) > 1 && !subcategories && !c.Has(chain[1]) {
		return nil, errors.Wrapf(ErrCategoryNotFound, "parent of category %q", name)
	}

	var added []string
	for i := len(chain) - 1; i >= 0; i-- {
		anc := chain[i]
		if c.Has(anc) {
			continue
		}
		if anc == name {
			c.categories[anc] = opts
		} else {
			c.categories[anc] = CategoryOptions{}
		}
		added = append(added, anc)
	}
	return added, nil
}

// Edit replaces the options of an existing category. Returns false when the
// new options equal the old ones.
func (c *CategoryStore) Edit(name string, opts CategoryOptions) (bool, error) {
	current, ok := c.categories[name]
	if !ok {
		return false, errors.Wrapf(ErrCategoryNotFound, "category %q", name)
	}
	if current.equal(opts) {
		return false, nil
	}
	c.categories[name] = opts
	return true, nil
}

// Remove deletes a category and its entire subtree, returning every removed
// name, deepest first.
func (c *CategoryStore) Remove(name string) ([]string, error) {
	if !c.Has(name) {
		return nil, errors.Wrapf(ErrCategoryNotFound, "category %q", name)
	}

	var removed []string
	for cat := range c.categories {
		if cat == name || isSubcategoryOf(cat, name) {
			removed = append(removed, cat)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] > removed[j] })
	for _, cat := range removed {
		delete(c.categories, cat)
	}
	return removed, nil
}

// ResolveSavePath computes the effective save path for a category: the
// nearest ancestor (the category itself included) with an explicit save path
// wins, with the remaining path segments appended as subdirectories. Without
// any override the category path itself becomes subdirectories under the
// session default.
func (c *CategoryStore) ResolveSavePath(name, defaultSavePath string) string {
	if name == "" {
		return defaultSavePath
	}
	for _, anc := range expandCategory(name) {
		opts, ok := c.categories[anc]
		if !ok || opts.SavePath == nil || *opts.SavePath == "" {
			continue
		}
		rel := strings.TrimPrefix(name, anc)
		rel = strings.TrimPrefix(rel, "/")
		return filepath.Join(*opts.SavePath, filepath.FromSlash(rel))
	}
	return filepath.Join(defaultSavePath, filepath.FromSlash(name))
}

// ResolveDownloadPath computes the effective incomplete-files path for a
// category. The nearest ancestor with an explicit DownloadPath wins; an
// explicit empty value disables the incomplete directory for that subtree.
// Returns "" when no incomplete directory applies.
func (c *CategoryStore) ResolveDownloadPath(name, defaultDownloadPath string, enabled bool) string {
	for _, anc := range expandCategory(name) {
		opts, ok := c.categories[anc]
		if !ok || opts.DownloadPath == nil {
			continue
		}
		if *opts.DownloadPath == "" {
			return ""
		}
		rel := strings.TrimPrefix(name, anc)
		rel = strings.TrimPrefix(rel, "/")
		return filepath.Join(*opts.DownloadPath, filepath.FromSlash(rel))
	}
	if !enabled || defaultDownloadPath == "" {
		return ""
	}
	if name == "" {
		return defaultDownloadPath
	}
	return filepath.Join(defaultDownloadPath, filepath.FromSlash(name))
}

// Tags.

func IsValidTag(tag string) bool {
	tag = strings.TrimSpace(tag)
	return tag != "" && !strings.Contains(tag, ",")
}

func (c *CategoryStore) HasTag(tag string) bool {
	for _, t := range c.tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (c *CategoryStore) Tags() []string {
	out := make([]string, len(c.tags))
	copy(out, c.tags)
	return out
}

func (c *CategoryStore) AddTag(tag string) error {
	if !IsValidTag(tag) {
		return errors.Wrapf(ErrInvalidTag, "tag %q", tag)
	}
	if c.HasTag(tag) {
		return errors.Wrapf(ErrTagExists, "tag %q", tag)
	}
	c.tags = append(c.tags, tag)
	return nil
}

func (c *CategoryStore) RemoveTag(tag string) error {
	for i, t := range c.tags {
		if t == tag {
			c.tags = append(c.tags[:i], c.tags[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrTagNotFound, "tag %q", tag)
}

// Records converts the tree to its persisted form, sorted so parents precede
// children.
func (c *CategoryStore) Records() []resumedata.CategoryRecord {
	names := c.Names()
	records := make([]resumedata.CategoryRecord, 0, len(names))
	for _, name := range names {
		opts := c.categories[name]
		records = append(records, resumedata.CategoryRecord{
			Name:         name,
			SavePath:     opts.SavePath,
			DownloadPath: opts.DownloadPath,
		})
	}
	return records
}

// Restore rebuilds the tree from persisted records, skipping invalid names.
func (c *CategoryStore) Restore(records []resumedata.CategoryRecord, tags []string) {
	c.categories = make(map[string]CategoryOptions, len(records))
	for _, rec := range records {
		if !IsValidCategoryName(rec.Name) {
			continue
		}
		c.categories[rec.Name] = CategoryOptions{
			SavePath:     rec.SavePath,
			DownloadPath: rec.DownloadPath,
		}
	}
	c.tags = nil
	for _, tag := range tags {
		if IsValidTag(tag) && !c.HasTag(tag) {
			c.tags = append(c.tags, tag)
		}
	}
}
