// Command schema-change-notifier watches a Confluent Cloud audit log
// stream for schema registry mutations and republishes enriched,
// deduplicated notifications to a target topic.
package main

func main() {
	Execute()
}
