package localai

import "strings"

// Task selects the local template. Unknown tags map to TaskChat.
type Task int

const (
	TaskChat Task = iota
	TaskTender
	TaskPodcast
	TaskSummary
	TaskPitch
)

var taskNames = map[Task]string{
	TaskChat:    "CHAT",
	TaskTender:  "DAO",
	TaskPodcast: "PODCAST",
	TaskSummary: "SUMMARY",
	TaskPitch:   "PITCH",
}

func (t Task) String() string {
	if name, ok := taskNames[t]; ok {
		return name
	}
	return taskNames[TaskChat]
}

func ParseTask(tag string) Task {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	for t, name := range taskNames {
		if name == tag {
			return t
		}
	}
	return TaskChat
}
