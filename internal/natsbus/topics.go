package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// Oracle request-reply subjects, served by whichever process hosts the
// language model.
const (
	TopicOracleScore  = "oracle.score"
	TopicOracleChoose = "oracle.choose"
	TopicOracleSplit  = "oracle.split"
)

func TopicSessionPrompt(sessionID, agentID string) string {
	return fmt.Sprintf("session.%s.agent.%s.prompt", sessionID, agentID)
}

func TopicSessionResult(sessionID, agentID string) string {
	return fmt.Sprintf("session.%s.agent.%s.result", sessionID, agentID)
}

func TopicSessionControl(sessionID string) string {
	return fmt.Sprintf("session.%s.control", sessionID)
}

func TopicEventsSession(sessionID string) string {
	return fmt.Sprintf("events.session.%s", sessionID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

const (
	TopicEventsAll          = "events.>"
	TopicEventsSessAll      = "events.session.*"
	TopicEventsTask         = "events.task.*"
	TopicEventsTaskExecuted = "events.task.executed"
)
