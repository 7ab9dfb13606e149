package natsbus

import "fmt"

const (
	TopicEventsGraph   = "events.graph"
	TopicEventsChatAll = "events.chat.*"
	TopicEventsAll     = "events.>"
)

// TopicEventsChat is where conversation updates for one agent are
// published. Agent 0 means no agent is selected.
func TopicEventsChat(agentID int) string {
	return fmt.Sprintf("events.chat.%d", agentID)
}
