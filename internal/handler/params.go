package handler

type WebhookParams struct {
	Provider  string `param:"provider"`
	TriggerID string `param:"trigger_id"`
}

type JobParams struct {
	JobID string `param:"job_id"`
}
