// Package workunit provides invoker implementations: a plain-function
// adapter with panic recovery and a per-task router. The LLM-backed invokers
// live in the anthropic and openai subpackages; the engine never knows which
// kind of work unit sits behind a task.
package workunit
