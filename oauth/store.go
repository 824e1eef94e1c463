package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// clientsDocument is the on-disk shape of the optional client store: one
// JSON document, rewritten atomically on every registration.
type clientsDocument struct {
	Clients []*Client `json:"clients"`
}

func (p *Provider) loadClients() error {
	data, err := os.ReadFile(p.cfg.ClientsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc clientsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", p.cfg.ClientsFile, err)
	}

	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	for _, c := range doc.Clients {
		p.clients[c.ID] = c
		if c.SoftwareID != "" {
			p.bySoftware[c.SoftwareID] = c.ID
		}
	}
	return nil
}

// saveClientsLocked writes the client map through to disk. Callers hold
// clientsMu. A temp file plus rename keeps the document whole under crash.
func (p *Provider) saveClientsLocked() error {
	if p.cfg.ClientsFile == "" {
		return nil
	}

	doc := clientsDocument{Clients: make([]*Client, 0, len(p.clients))}
	for _, c := range p.clients {
		doc.Clients = append(doc.Clients, c)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.cfg.ClientsFile)
	tmp, err := os.CreateTemp(dir, ".oauth_clients-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p.cfg.ClientsFile)
}
