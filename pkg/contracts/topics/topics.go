package topics

const (
	// Resultados de eventos: line-provider -> bet-maker
	EventStatusUpdates = "event_status_updates"

	// Consumer group do bet-maker em EventStatusUpdates
	BetMakerGroup = "bet-maker"

	// Canal pub/sub do Redis com o feed de eventos do line-provider
	EventsFeed = "events_feed"
)
