package manager

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/banksean/zoned/api"
	"github.com/banksean/zoned/zerr"
	"github.com/banksean/zoned/zone"
)

// DeclareFile persists a file declaration for zoneID, replayed into its
// rootfs on every future start. It does not touch an already-running
// zone's live filesystem; the caller restarts the zone to apply it.
func (m *Manager) DeclareFile(zoneID, path, source string, contents []byte, mode uint32) (string, error) {
	return m.declare(zoneID, zone.Declaration{
		Kind: zone.DeclFile, Path: path, Source: source, Contents: contents, Mode: mode,
	})
}

// DeclareMount persists a mount declaration for zoneID.
func (m *Manager) DeclareMount(zoneID, path, source, fsType string, flags uint64, data string) (string, error) {
	return m.declare(zoneID, zone.Declaration{
		Kind: zone.DeclMount, Path: path, Source: source, Type: fsType, Flags: flags, Data: data,
	})
}

// DeclareLink persists a symlink declaration for zoneID.
func (m *Manager) DeclareLink(zoneID, path, target string) (string, error) {
	return m.declare(zoneID, zone.Declaration{Kind: zone.DeclLink, Path: path, Target: target})
}

func (m *Manager) declare(zoneID string, d zone.Declaration) (string, error) {
	m.mu.Lock()
	_, err := m.zoneLocked(zoneID)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	d.ID = uuid.NewString()
	if err := m.store.PutDeclaration(zoneID, d); err != nil {
		return "", zerr.Wrap(zerr.Internal, fmt.Errorf("declare: %w", err))
	}
	return d.ID, nil
}

// GetDeclarations returns every declaration recorded for zoneID as wire
// summaries.
func (m *Manager) GetDeclarations(zoneID string) ([]api.DeclarationSummary, error) {
	m.mu.Lock()
	_, err := m.zoneLocked(zoneID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	decls, err := m.store.Declarations(zoneID)
	if err != nil {
		return nil, zerr.Wrap(zerr.Internal, err)
	}
	out := make([]api.DeclarationSummary, 0, len(decls))
	for _, d := range decls {
		out = append(out, api.DeclarationSummary{
			DeclID: d.ID,
			Kind:   d.Kind.String(),
			Path:   d.Path,
		})
	}
	return out, nil
}

// RemoveDeclaration deletes one declaration by id.
func (m *Manager) RemoveDeclaration(zoneID, declID string) error {
	m.mu.Lock()
	_, err := m.zoneLocked(zoneID)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.store.RemoveDeclaration(zoneID, declID); err != nil {
		return zerr.Wrap(zerr.Internal, err)
	}
	return nil
}
