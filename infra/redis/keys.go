package redis

func keyPrefix(streamType string) string { return "{" + streamType + "}:" }

// globalKey names both the log of every event of the type and its pub/sub channel.
func globalKey(streamType string) string { return keyPrefix(streamType) + "all" }

func streamKey(streamType, id string) string { return keyPrefix(streamType) + "stream:" + id }

func sequenceKey(streamType string) string { return keyPrefix(streamType) + "meta:sequence" }

func subscriptionsKey(streamType string) string { return keyPrefix(streamType) + "meta:subscriptions" }
