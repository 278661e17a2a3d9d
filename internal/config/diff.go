package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	PersonasChanged bool          // true if any persona was added, removed, or modified
	PersonaChanges  []PersonaDiff // per-persona diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// PersonaDiff describes what changed for a single persona between two configs.
type PersonaDiff struct {
	ID            string
	PromptChanged bool
	VoiceChanged  bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: persona catalog
// entries (they take effect on the next select_persona) and the log level.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build persona lookup maps keyed by id.
	oldPersonas := make(map[string]int, len(old.Personas))
	for i := range old.Personas {
		oldPersonas[old.Personas[i].ID] = i
	}
	newPersonas := make(map[string]int, len(new.Personas))
	for i := range new.Personas {
		newPersonas[new.Personas[i].ID] = i
	}

	// Detect modified and removed personas.
	for id, oi := range oldPersonas {
		ni, exists := newPersonas[id]
		if !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{
				ID:      id,
				Removed: true,
			})
			d.PersonasChanged = true
			continue
		}
		op, np := old.Personas[oi], new.Personas[ni]
		pd := PersonaDiff{ID: id}
		if op.Prompt != np.Prompt {
			pd.PromptChanged = true
		}
		if op.Voice != np.Voice {
			pd.VoiceChanged = true
		}
		if pd.PromptChanged || pd.VoiceChanged {
			d.PersonaChanges = append(d.PersonaChanges, pd)
			d.PersonasChanged = true
		}
	}

	// Detect added personas.
	for id := range newPersonas {
		if _, exists := oldPersonas[id]; !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{
				ID:    id,
				Added: true,
			})
			d.PersonasChanged = true
		}
	}

	return d
}
