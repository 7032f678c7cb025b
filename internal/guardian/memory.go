package guardian

import (
	"github.com/mpataki/guardian/internal/llm"
	"github.com/mpataki/guardian/internal/storage"
)

const defaultMemoryLength = 20

// Memory is a bounded window of conversation turns. When full, the
// oldest turn is dropped.
type Memory struct {
	limit int
	turns []llm.Message
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = defaultMemoryLength
	}
	return &Memory{limit: limit}
}

// LoadFrom seeds memory with the newest persisted turns for a guardian.
func (m *Memory) LoadFrom(store *storage.Storage, guardianName string) error {
	rows, err := store.RecentMessages(guardianName, m.limit)
	if err != nil {
		return err
	}
	m.turns = m.turns[:0]
	for _, row := range rows {
		m.turns = append(m.turns, llm.Message{
			Role:    llm.Role(row.Role),
			Content: row.Content,
		})
	}
	return nil
}

func (m *Memory) Append(msg llm.Message) {
	m.turns = append(m.turns, msg)
	if len(m.turns) > m.limit {
		m.turns = m.turns[len(m.turns)-m.limit:]
	}
}

// Snapshot returns a copy of the current window, oldest first.
func (m *Memory) Snapshot() []llm.Message {
	out := make([]llm.Message, len(m.turns))
	copy(out, m.turns)
	return out
}

func (m *Memory) Len() int { return len(m.turns) }
