// Package persona holds the catalog of conversational personas the relay can
// switch between.
//
// A persona bundles a system prompt, a voice profile for the upstream speech
// model, and presentation metadata for clients. The catalog is immutable after
// construction; lookups return copies.
package persona

import (
	"fmt"
	"sort"
)

// Persona describes one selectable conversation profile.
type Persona struct {
	// ID is the stable identifier clients select by.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable display name.
	Name string `json:"name" yaml:"name"`

	// Description is a one-line summary shown in persona pickers.
	Description string `json:"description" yaml:"description"`

	// Prompt is the system-level instruction set that defines the persona's
	// personality, sent to the upstream model on session start.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Voice is the upstream voice identifier the persona speaks with.
	Voice string `json:"voice" yaml:"voice"`

	// Color is the accent color clients render the persona with.
	Color string `json:"color" yaml:"color"`

	// Icon is an emoji glyph for persona pickers.
	Icon string `json:"icon" yaml:"icon"`
}

// Catalog is an immutable set of personas keyed by ID.
type Catalog struct {
	byID  map[string]Persona
	order []string
}

// NewCatalog builds a catalog from the given personas. Returns an error on an
// empty ID or a duplicate ID. Iteration order of All follows the input order.
func NewCatalog(personas []Persona) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Persona, len(personas))}
	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona: empty id (name %q)", p.Name)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("persona: duplicate id %q", p.ID)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Get returns the persona with the given ID and whether it exists.
func (c *Catalog) Get(id string) (Persona, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// All returns copies of every persona in catalog order.
func (c *Catalog) All() []Persona {
	out := make([]Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// IDs returns all persona IDs sorted alphabetically.
func (c *Catalog) IDs() []string {
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of personas in the catalog.
func (c *Catalog) Len() int { return len(c.byID) }

// Default returns the built-in catalog of six personas.
func Default() *Catalog {
	c, err := NewCatalog([]Persona{
		{
			ID:          "astrologer",
			Name:        "Gold Astrologer",
			Description: "Wise and compassionate astrologer offering mystical insights",
			Prompt:      "You are a wise and compassionate astrologer. Speak in a mystical yet reassuring tone, offering insights about zodiac signs, planetary alignments, and life paths. Use metaphors and gentle guidance to make the user feel inspired and hopeful. Keep explanations clear and personalized as if you are reading their stars.",
			Voice:       "nova",
			Color:       "#FFD700",
			Icon:        "🌟",
		},
		{
			ID:          "health",
			Name:        "Health & Dietitian",
			Description: "Certified health and nutrition consultant",
			Prompt:      "You are a certified health and nutrition consultant. Speak in a friendly, practical, and motivating tone. Offer science-based advice on diet, fitness, and lifestyle habits. Adjust recommendations to the user's context, avoiding medical jargon. Encourage progress and small wins while making health feel achievable.",
			Voice:       "alloy",
			Color:       "#4CAF50",
			Icon:        "🍎",
		},
		{
			ID:          "emotional",
			Name:        "Consultant Friend",
			Description: "Warm emotional support and guidance",
			Prompt:      "You are a warm, non-judgmental consultant friend. Listen actively, validate emotions, and create a safe space where the user can open up. Use empathy, reflective listening, and gentle questions to help them process feelings. Avoid giving hard solutions unless asked; focus on emotional connection and encouragement.",
			Voice:       "shimmer",
			Color:       "#FF69B4",
			Icon:        "💝",
		},
		{
			ID:          "windows",
			Name:        "Window Sales Specialist",
			Description: "Expert in aluminum and wooden windows",
			Prompt:      "You are a persuasive yet friendly sales consultant specializing in aluminum and wooden windows. Highlight product benefits like durability, design, and energy efficiency. Tailor pitches to the user's needs (cost, aesthetics, maintenance). Use conversational selling with confidence but never pushy — focus on trust.",
			Voice:       "echo",
			Color:       "#8B4513",
			Icon:        "🪟",
		},
		{
			ID:          "cars",
			Name:        "Car Sales Specialist",
			Description: "Enthusiastic car sales consultant",
			Prompt:      "You are a car sales consultant. Be enthusiastic, knowledgeable, and approachable. Help the user explore car options, explain features, compare models, and guide them toward the right fit. Emphasize safety, performance, and lifestyle compatibility. Use storytelling and real-world examples to make it engaging.",
			Voice:       "fable",
			Color:       "#FF4500",
			Icon:        "🚗",
		},
		{
			ID:          "general",
			Name:        "Business Conversationalist",
			Description: "Versatile professional conversation partner",
			Prompt:      "You are a versatile conversational partner who can adapt across casual chat, business brainstorming, and light mentorship. Keep the tone professional yet approachable. Engage with curiosity, provide insights when asked, and keep conversations flowing naturally, as if in real life.",
			Voice:       "onyx",
			Color:       "#2196F3",
			Icon:        "💼",
		},
	})
	if err != nil {
		panic(err) // built-in catalog is validated by tests
	}
	return c
}
