package broker

import "strings"

// Key and topic namespaces.
const (
	Namespace          = "swarm:"
	BroadcastTopic     = "swarm:broadcast"
	OrchestratorTopic  = "swarm:results:orchestrator"
	taskTopicPrefix    = "swarm:tasks:"
	resultPrefix       = "swarm:results:"
	heartbeatPrefix    = "swarm:heartbeat:"
	pendingPrefix      = "swarm:pending:"
	statePrefix        = "swarm:state:"
	orchestratorTarget = "orchestrator"
)

// PublishTopic maps a logical target name to the topic a message is published on.
func PublishTopic(channel string) string {
	switch channel {
	case "broadcast", "*":
		return BroadcastTopic
	case orchestratorTarget:
		return OrchestratorTopic
	default:
		return taskTopicPrefix + channel
	}
}

// SubscribeTopic maps a logical channel name to the topic agentID listens on.
func SubscribeTopic(agentID, channel string) string {
	switch channel {
	case "broadcast":
		return BroadcastTopic
	case "tasks":
		return taskTopicPrefix + agentID
	case "results":
		return resultPrefix + agentID
	default:
		return Namespace + channel
	}
}

// ResultKey is where the result for taskID is stored.
func ResultKey(taskID string) string { return resultPrefix + taskID }

// PendingKey marks a dispatched but unanswered message.
func PendingKey(id string) string { return pendingPrefix + id }

// HeartbeatKey holds the last beat of agentID.
func HeartbeatKey(agentID string) string { return heartbeatPrefix + agentID }

// StateKey namespaces a shared state key.
func StateKey(key string) string { return statePrefix + key }

func trimPrefix(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}
