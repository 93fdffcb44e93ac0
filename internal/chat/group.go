package chat

// groupGapMs is the idle gap that starts a new group even when the
// sender is unchanged.
const groupGapMs = 5 * 60 * 1000

// Group transforms a flat ordered message list into sender-grouped
// display groups. A new group starts at stream start, on sender change,
// on any system or notification message, or when the gap to the
// previous message exceeds five minutes. Pure: same input, same output.
func Group(msgs []Message) []MessageGroup {
	var groups []MessageGroup
	for _, m := range msgs {
		standalone := m.IsSystem || m.IsNotification
		if len(groups) == 0 || standalone {
			groups = append(groups, newGroup(m, !standalone))
			continue
		}
		last := &groups[len(groups)-1]
		prev := last.Messages[len(last.Messages)-1]
		if prev.IsSystem || prev.IsNotification ||
			last.SenderID != m.SenderID ||
			m.CreatedAt-prev.CreatedAt > groupGapMs {
			groups = append(groups, newGroup(m, true))
			continue
		}
		last.Messages = append(last.Messages, m)
	}
	return groups
}

func newGroup(m Message, avatar bool) MessageGroup {
	return MessageGroup{
		SenderID:   m.SenderID,
		Messages:   []Message{m},
		ShowAvatar: avatar,
	}
}

// AnnotateUnread injects a single unread-indicator pseudo-group before
// the group holding the first unread message not sent by currentUserID,
// counting every such message from that point to the end. Input is
// returned unchanged when nothing is unread.
func AnnotateUnread(groups []MessageGroup, currentUserID string) []MessageGroup {
	firstGroup := -1
	count := 0
	for gi, g := range groups {
		for _, m := range g.Messages {
			if m.IsRead || m.SenderID == currentUserID {
				continue
			}
			if firstGroup == -1 {
				firstGroup = gi
			}
			count++
		}
	}
	if firstGroup == -1 {
		return groups
	}

	out := make([]MessageGroup, 0, len(groups)+1)
	out = append(out, groups[:firstGroup]...)
	out = append(out, MessageGroup{
		IsUnreadIndicator: true,
		UnreadCount:       count,
	})
	out = append(out, groups[firstGroup:]...)
	return out
}
