package persona

import "strings"

// Greeting returns the persona's opening line, injected into a freshly opened
// upstream session so the model speaks first. Unknown IDs get a generic
// greeting.
func Greeting(id string) string {
	if g, ok := greetings[id]; ok {
		return g
	}
	return "Hello! How can I help you today?"
}

var greetings = map[string]string{
	"astrologer": "Hello, beautiful soul! The stars have guided you here today. I sense positive energy around you. What would you like to explore about your cosmic journey?",
	"health":     "Hi there! I'm so excited to help you on your wellness journey today. Whether it's nutrition, fitness, or healthy habits, I'm here to support you. What health goals are you working on?",
	"emotional":  "Hello, dear friend. I'm really glad you're here. This is a safe space where you can share whatever is on your heart. How are you feeling today?",
	"windows":    "Good day! Thanks for considering us for your window needs. I'm here to help you find the perfect windows that combine beauty, efficiency, and value. What type of project are you working on?",
	"cars":       "Hey there! Great to meet you! I'm pumped to help you find the perfect vehicle. Whether you're looking for reliability, performance, or style, we'll find something amazing together. What kind of driving do you do most?",
	"general":    "Hello! It's great to connect with you today. I'm here for whatever you'd like to discuss - business ideas, casual conversation, or brainstorming. What's on your mind?",
}

// Fallback returns a deterministic canned reply in the persona's voice for
// when no upstream session is available. Routing is a case-insensitive
// keyword match on the user message; each persona has topic-specific replies
// plus a default.
func Fallback(id, message string) string {
	route, ok := fallbackRoutes[id]
	if !ok {
		return "I'm here to help! How can I assist you today?"
	}
	lower := strings.ToLower(message)
	for _, r := range route.topics {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.reply
			}
		}
	}
	return route.fallback
}

type topicReply struct {
	keywords []string
	reply    string
}

type fallbackRoute struct {
	topics   []topicReply
	fallback string
}

var fallbackRoutes = map[string]fallbackRoute{
	"astrologer": {
		topics: []topicReply{
			{
				keywords: []string{"horoscope", "zodiac", "sign", "stars"},
				reply:    "🌟 The stars whisper of great potential in your path. Your celestial energy suggests a time of transformation and growth. What zodiac sign guides your journey, dear soul?",
			},
			{
				keywords: []string{"future", "prediction", "destiny"},
				reply:    "✨ The cosmic tapestry reveals that your future holds beautiful possibilities. The planets align to support your dreams, but remember - you are the co-creator of your destiny. Trust in the universe's timing.",
			},
		},
		fallback: "🌙 Welcome, kindred spirit. The universe has guided you here for a reason. Share what weighs on your heart, and let the stars illuminate your path forward.",
	},
	"health": {
		topics: []topicReply{
			{
				keywords: []string{"diet", "food", "eat", "nutrition"},
				reply:    "🍎 Great question about nutrition! Remember, small sustainable changes make the biggest impact. Focus on adding more whole foods rather than restricting. What specific nutrition goals are you working toward?",
			},
			{
				keywords: []string{"exercise", "workout", "fitness", "gym"},
				reply:    "💪 I love that you're thinking about fitness! The best workout is the one you'll actually do consistently. Start with 15-20 minutes of movement you enjoy. What activities make you feel energized?",
			},
		},
		fallback: "🌟 Hello! I'm here to help you on your wellness journey. Whether it's nutrition, fitness, or healthy habits, we can work together to make health feel achievable and enjoyable. What would you like to focus on today?",
	},
	"emotional": {
		topics: []topicReply{
			{
				keywords: []string{"stressed", "anxious", "worried", "overwhelmed"},
				reply:    "💙 I hear you, and what you're feeling is completely valid. It's okay to feel overwhelmed sometimes - it shows you care deeply. Take a deep breath with me. What's weighing most heavily on your heart right now?",
			},
			{
				keywords: []string{"sad", "down", "depressed", "hurt"},
				reply:    "🤗 I'm so glad you felt safe enough to share that with me. Your feelings matter, and you don't have to carry this alone. Sometimes just naming what we're feeling can be the first step. I'm here to listen without judgment.",
			},
		},
		fallback: "💝 Hello, dear friend. This is a safe space where you can be completely yourself. I'm here to listen, support, and walk alongside you through whatever you're experiencing. What's on your mind today?",
	},
	"windows": {
		topics: []topicReply{
			{
				keywords: []string{"aluminum", "aluminium", "metal"},
				reply:    "🪟 Excellent choice considering aluminum windows! They offer outstanding durability and virtually zero maintenance. Plus, modern aluminum frames provide superior energy efficiency with thermal breaks. What's your primary focus - longevity, aesthetics, or energy savings?",
			},
			{
				keywords: []string{"wood", "wooden", "timber"},
				reply:    "🌳 Wooden windows bring such warmth and character to a home! They offer natural insulation properties and can be customized to match any architectural style. While they need some maintenance, the beauty and value they add is incomparable. Are you drawn to a traditional or contemporary wood design?",
			},
		},
		fallback: "🏠 Welcome! I'm excited to help you find the perfect windows for your space. Whether you're drawn to the sleek durability of aluminum or the timeless beauty of wood, we'll find something that matches your style, budget, and performance needs. What's your vision for your windows?",
	},
	"cars": {
		topics: []topicReply{
			{
				keywords: []string{"suv", "family", "kids", "space"},
				reply:    "🚗 A family vehicle - now that's an exciting decision! SUVs offer incredible versatility, safety features, and that commanding road view. Whether it's weekend adventures or daily school runs, the right SUV becomes your family's trusted companion. What size family are we planning for?",
			},
			{
				keywords: []string{"sedan", "car", "fuel", "economy"},
				reply:    "🌟 Sedans are fantastic - smooth ride, excellent fuel economy, and perfect for daily commuting! Modern sedans pack surprising amounts of tech and safety features too. Are you looking for something sporty and fun, or more focused on comfort and efficiency?",
			},
		},
		fallback: "🚙 Hey there! I'm thrilled to help you find your next perfect ride. Every car has a story, and I'm here to help you find the one that fits yours. Whether it's your first car, an upgrade, or something completely different - let's discover what gets you excited! What brings you car shopping today?",
	},
	"general": {
		topics: []topicReply{
			{
				keywords: []string{"business", "work", "professional", "career"},
				reply:    "💼 That's a great professional topic! I'd love to explore this with you. Business success often comes down to understanding people, solving real problems, and building genuine relationships. What specific aspect would you like to dive into?",
			},
			{
				keywords: []string{"idea", "brainstorm", "creative", "innovation"},
				reply:    "💡 I love brainstorming sessions! The best ideas often come from combining unexpected perspectives. Let's think creatively and explore possibilities together. What's the challenge or opportunity you're working with?",
			},
		},
		fallback: "👋 Great to connect with you! I enjoy engaging conversations across all kinds of topics - whether it's business strategy, creative projects, or just exploring interesting ideas together. What's capturing your interest these days?",
	},
}
