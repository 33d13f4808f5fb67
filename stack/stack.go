// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package stack models the chain of block devices below a mounted device.
//
// A root logical volume for example resolves to its physical volumes,
// each of them a partition (or a bcache device on top of partitions),
// each partition belonging to a harddisk.
package stack

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/go-strictlayout/partitioning"
)

// Kind of a node in the disk stack.
type Kind string

// Node kinds.
const (
	KindPartition Kind = "partition"
	KindLV        Kind = "lvm-lv"
	KindBcache    Kind = "bcache"
	KindHarddisk  Kind = "harddisk"
	KindPool      Kind = "pool"
)

// Node is a block device with the devices it is built from.
type Node struct {
	Kind     Kind
	Path     string
	Bus      partitioning.Bus
	Children []*Node
}

// Resolver lists the devices a stacked device is built from.
//
// On Linux this is the contents of /sys/class/block/<name>/slaves.
type Resolver interface {
	Slaves(ctx context.Context, dev string) ([]string, error)
}

// maxDepth bounds the recursion, stacks deeper than LV on bcache on partition don't exist.
const maxDepth = 8

// Build resolves the stack below the device path.
func Build(ctx context.Context, resolver Resolver, path string) (*Node, error) {
	return build(ctx, resolver, path, 0)
}

// NewPool builds a node for a multi-device filesystem from its member devices.
func NewPool(ctx context.Context, resolver Resolver, path string, members []string) (*Node, error) {
	node := &Node{Kind: KindPool, Path: path}

	for _, member := range members {
		child, err := Build(ctx, resolver, member)
		if err != nil {
			return nil, err
		}

		node.Children = append(node.Children, child)
	}

	return node, nil
}

func build(ctx context.Context, resolver Resolver, path string, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("device stack below %q is too deep", path)
	}

	if bus, err := partitioning.DiskBus(path); err == nil {
		return &Node{Kind: KindHarddisk, Path: path, Bus: bus}, nil
	}

	if disk, _, err := partitioning.SplitDevName(path); err == nil {
		parent, err := build(ctx, resolver, disk, depth+1)
		if err != nil {
			return nil, err
		}

		return &Node{Kind: KindPartition, Path: path, Children: []*Node{parent}}, nil
	}

	var kind Kind

	switch {
	case IsBcache(path):
		kind = KindBcache
	case isLV(path):
		kind = KindLV
	default:
		return nil, fmt.Errorf("%w: %q", partitioning.ErrUnknownDevice, path)
	}

	slaves, err := resolver.Slaves(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve slaves of %q: %w", path, err)
	}

	if len(slaves) == 0 {
		return nil, fmt.Errorf("%s device %q has no slaves", kind, path)
	}

	node := &Node{Kind: kind, Path: path}

	for _, slave := range slaves {
		child, err := build(ctx, resolver, slave, depth+1)
		if err != nil {
			return nil, err
		}

		node.Children = append(node.Children, child)
	}

	return node, nil
}

// IsBcache returns true for /dev/bcacheN device paths.
func IsBcache(path string) bool {
	n, ok := strings.CutPrefix(path, "/dev/bcache")
	if !ok || n == "" {
		return false
	}

	return strings.Trim(n, "0123456789") == ""
}

func isLV(path string) bool {
	_, _, ok := partitioning.MapperName(path)

	return ok
}

// Walk calls fn for the node and all of its descendants, depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)

	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// Disks returns the sorted list of harddisks at the bottom of the stack.
func (n *Node) Disks() []string {
	var disks []string

	n.Walk(func(node *Node) {
		if node.Kind == KindHarddisk {
			disks = append(disks, node.Path)
		}
	})

	slices.Sort(disks)

	return slices.Compact(disks)
}

// Partitions returns the sorted list of partitions in the stack.
func (n *Node) Partitions() []string {
	var nodes []*Node

	n.Walk(func(node *Node) {
		if node.Kind == KindPartition {
			nodes = append(nodes, node)
		}
	})

	parts := xslices.Map(nodes, func(node *Node) string { return node.Path })

	slices.Sort(parts)

	return slices.Compact(parts)
}

// String renders the stack as an indented tree.
func (n *Node) String() string {
	var sb strings.Builder

	n.format(&sb, 0)

	return sb.String()
}

func (n *Node) format(sb *strings.Builder, indent int) {
	fmt.Fprintf(sb, "%s%s %s", strings.Repeat("  ", indent), n.Kind, n.Path)

	if n.Bus != "" {
		fmt.Fprintf(sb, " (%s)", n.Bus)
	}

	sb.WriteByte('\n')

	for _, child := range n.Children {
		child.format(sb, indent+1)
	}
}
