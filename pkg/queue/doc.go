// Package queue implements relay.Deliverer for the durable queues log records
// are shipped to.
//
// SQSDeliverer sends to an Amazon SQS queue, mapping SendBatch onto
// SendMessageBatch. KafkaDeliverer produces to a Kafka topic and waits for a
// delivery report for every message before returning.
//
// KafkaDeliverer owns background goroutines and must be closed. SQSDeliverer
// holds no resources beyond its client.
package queue
