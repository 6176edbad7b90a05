package repository

var (
	LockedActiveMatch  = lockedActiveMatch
	LockedConversation = lockedConversation
)
