package graph

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// snapshot is the serialized on-disk form of the graph.
type snapshot struct {
	Nodes map[string]Node `json:"nodes"`
	Edges []snapshotEdge  `json:"edges"`
}

type snapshotEdge struct {
	A    string `json:"a"`
	B    string `json:"b"`
	Edge Edge   `json:"edge"`
}

func (g *Graph) backupPath() string    { return g.path + ".bak" }
func (g *Graph) corruptedPath() string { return g.path + ".corrupted" }

// SnapshotSave persists the graph crash-safely: the serialized form is
// written to a temp file, the previous primary moves to the backup path, and
// the temp file is renamed into place. Serialization happens under the lock;
// all file I/O happens outside it.
func (g *Graph) SnapshotSave() error {
	g.mu.Lock()
	snap := snapshot{
		Nodes: make(map[string]Node, len(g.nodes)),
		Edges: make([]snapshotEdge, 0, len(g.edges)),
	}
	for id, node := range g.nodes {
		snap.Nodes[id] = node
	}
	for key, edge := range g.edges {
		snap.Edges = append(snap.Edges, snapshotEdge{A: key.A, B: key.B, Edge: *edge})
	}
	g.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write snapshot temp: %w", err)
	}

	// Keep the previous primary as backup before the final rename. If the
	// process dies between these two steps the backup still loads.
	if _, err := os.Stat(g.path); err == nil {
		if err := os.Rename(g.path, g.backupPath()); err != nil {
			return fmt.Errorf("rotate snapshot backup: %w", err)
		}
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return fmt.Errorf("promote snapshot: %w", err)
	}

	log.Printf("[graph] snapshot saved to %s (nodes=%d edges=%d)", g.path, len(snap.Nodes), len(snap.Edges))
	return nil
}

// SnapshotLoad restores the graph from disk. A missing primary falls back to
// the backup (promoting it). An unreadable primary is preserved under the
// corrupted path before the backup is tried. If neither file is usable the
// error is returned so startup can refuse to continue; starting silently
// with an empty graph would lose data.
func (g *Graph) SnapshotLoad() error {
	primary, backup := g.path, g.backupPath()

	if _, err := os.Stat(primary); os.IsNotExist(err) {
		if _, err := os.Stat(backup); os.IsNotExist(err) {
			// Fresh start: nothing on disk yet.
			log.Printf("[graph] no snapshot at %s, starting empty", primary)
			return nil
		}
		log.Printf("[graph] primary snapshot missing, promoting backup %s", backup)
		if err := os.Rename(backup, primary); err != nil {
			return fmt.Errorf("promote backup snapshot: %w", err)
		}
	}

	loadErr := g.loadFile(primary)
	if loadErr == nil {
		return nil
	}
	log.Printf("[graph] primary snapshot unreadable: %v", loadErr)

	// Preserve the bad primary for inspection, then try the backup.
	if err := os.Rename(primary, g.corruptedPath()); err != nil {
		return fmt.Errorf("preserve corrupted snapshot: %w", err)
	}
	log.Printf("[graph] corrupted snapshot moved to %s", g.corruptedPath())

	if _, err := os.Stat(backup); os.IsNotExist(err) {
		return fmt.Errorf("load snapshot: primary corrupted and no backup at %s", backup)
	}
	if err := g.loadFile(backup); err != nil {
		return fmt.Errorf("load snapshot backup: %w", err)
	}
	log.Printf("[graph] restored from backup snapshot %s", backup)
	return nil
}

func (g *Graph) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	nodes := make(map[string]Node, len(snap.Nodes))
	for id, node := range snap.Nodes {
		nodes[id] = node
	}
	edges := make(map[edgeKey]*Edge, len(snap.Edges))
	for _, se := range snap.Edges {
		edge := se.Edge
		edges[keyFor(se.A, se.B)] = &edge
	}

	g.mu.Lock()
	g.nodes = nodes
	g.edges = edges
	g.mu.Unlock()

	log.Printf("[graph] snapshot loaded from %s (nodes=%d edges=%d)", path, len(nodes), len(edges))
	return nil
}
