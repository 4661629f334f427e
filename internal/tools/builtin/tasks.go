package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"expertstream/internal/tasks"
	"expertstream/internal/tools"
)

func taskSpecSchema() map[string]any {
	return map[string]any{
		"type": "array",
		"description": "Tasks to create. Each requires title, target, operation, specifics and related; " +
			"dependencies is a list of task ids that must finish first.",
		"items": objectSchema(map[string]any{
			"id":           prop("string", "Optional caller-provided task id"),
			"title":        prop("string", "Short task title"),
			"target":       prop("string", "What the task operates on"),
			"operation":    prop("string", "The kind of change to make"),
			"specifics":    prop("string", "Detailed instructions"),
			"related":      prop("string", "Related files or context"),
			"dependencies": map[string]any{"type": "array", "items": prop("string", "Task id")},
		}, "title", "target", "operation", "specifics", "related"),
	}
}

// sessionID resolves the session argument, falling back to the context.
func sessionID(ctx context.Context, args map[string]any) string {
	if id, _ := args["session_id"].(string); id != "" {
		return id
	}
	if id, ok := tools.SessionIDFromContext(ctx); ok {
		return id
	}
	return "default"
}

func renderTask(t *tasks.Task) string {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", *t)
	}
	return string(data)
}

// CreateTasksTool replaces a session's task list.
type CreateTasksTool struct {
	tools.BaseTool
	scheduler *tasks.Scheduler
}

// NewCreateTasksTool creates the create_tasks tool.
func NewCreateTasksTool(scheduler *tasks.Scheduler) *CreateTasksTool {
	return &CreateTasksTool{
		BaseTool: tools.BaseTool{
			ToolName:        "create_tasks",
			ToolDescription: "Create the task list for a session, replacing any existing tasks.",
			ToolParameters: objectSchema(map[string]any{
				"session_id": prop("string", "Task session identifier"),
				"tasks":      taskSpecSchema(),
			}, "tasks"),
		},
		scheduler: scheduler,
	}
}

// Execute creates the tasks and returns the progress log.
func (t *CreateTasksTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	result, err := t.ExecuteStream(ctx, args, func(string) {})
	return result, err
}

// ExecuteStream creates the tasks, emitting one log line per task.
func (t *CreateTasksTool) ExecuteStream(ctx context.Context, args map[string]any, emit func(string)) (tools.ToolResult, error) {
	raw, ok := args["tasks"]
	if !ok {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "tasks is required", nil)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "tasks is not serializable", err)
	}
	var specs []tasks.TaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "tasks has the wrong shape", err)
	}

	created, log, err := t.scheduler.CreateTasks(sessionID(ctx, args), specs)
	if err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to create tasks: %v", err)), nil
	}
	for _, line := range log {
		emit(line + "\n")
	}
	return tools.NewSuccessResult(fmt.Sprintf("%s\nCreated %d task(s).", strings.Join(log, "\n"), len(created))), nil
}

// NextTaskTool returns the next executable task for a session.
type NextTaskTool struct {
	tools.BaseTool
	scheduler *tasks.Scheduler
}

// NewNextTaskTool creates the get_next_task tool.
func NewNextTaskTool(scheduler *tasks.Scheduler) *NextTaskTool {
	return &NextTaskTool{
		BaseTool: tools.BaseTool{
			ToolName:        "get_next_task",
			ToolDescription: "Return the next executable task: the one already in progress, or the earliest pending task whose dependencies are done.",
			ToolParameters: objectSchema(map[string]any{
				"session_id": prop("string", "Task session identifier"),
			}),
		},
		scheduler: scheduler,
	}
}

func (t *NextTaskTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	task, msg, err := t.scheduler.NextExecutable(sessionID(ctx, args))
	if err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to select task: %v", err)), nil
	}
	if task == nil {
		return tools.NewSuccessResult(msg), nil
	}
	return tools.NewSuccessResult(msg + "\n" + renderTask(task)), nil
}

// SaveExecutionTool records how a task was carried out.
type SaveExecutionTool struct {
	tools.BaseTool
	scheduler *tasks.Scheduler
}

// NewSaveExecutionTool creates the save_task_execution tool.
func NewSaveExecutionTool(scheduler *tasks.Scheduler) *SaveExecutionTool {
	return &SaveExecutionTool{
		BaseTool: tools.BaseTool{
			ToolName:        "save_task_execution",
			ToolDescription: "Record the execution process of the in-progress task and mark it dev_completed.",
			ToolParameters: objectSchema(map[string]any{
				"task_id":           prop("string", "The task id"),
				"execution_process": prop("string", "How the task was carried out"),
			}, "task_id", "execution_process"),
		},
		scheduler: scheduler,
	}
}

func (t *SaveExecutionTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	taskID, _ := args["task_id"].(string)
	process, _ := args["execution_process"].(string)
	if taskID == "" || process == "" {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "task_id and execution_process are required", nil)
	}

	if err := t.scheduler.SaveExecution(taskID, process); err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to save execution: %v", err)), nil
	}
	return tools.NewSuccessResult(fmt.Sprintf("Task %s marked dev_completed.", taskID)), nil
}

// CurrentTaskTool reports what is currently being worked on.
type CurrentTaskTool struct {
	tools.BaseTool
	scheduler *tasks.Scheduler
}

// NewCurrentTaskTool creates the get_current_task tool.
func NewCurrentTaskTool(scheduler *tasks.Scheduler) *CurrentTaskTool {
	return &CurrentTaskTool{
		BaseTool: tools.BaseTool{
			ToolName:        "get_current_task",
			ToolDescription: "Return the task currently in progress, or the most recently dev_completed task with its execution record.",
			ToolParameters: objectSchema(map[string]any{
				"session_id": prop("string", "Task session identifier"),
			}),
		},
		scheduler: scheduler,
	}
}

func (t *CurrentTaskTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	task, exec, err := t.scheduler.CurrentExecuting(sessionID(ctx, args))
	if err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to look up current task: %v", err)), nil
	}
	if task == nil {
		return tools.NewSuccessResult("No task is currently executing."), nil
	}

	out := renderTask(task)
	if exec != "" {
		out += "\n\nExecution record:\n" + exec
	}
	return tools.NewSuccessResult(out), nil
}

// CompleteTaskTool marks a task fully completed.
type CompleteTaskTool struct {
	tools.BaseTool
	scheduler *tasks.Scheduler
}

// NewCompleteTaskTool creates the complete_task tool.
func NewCompleteTaskTool(scheduler *tasks.Scheduler) *CompleteTaskTool {
	return &CompleteTaskTool{
		BaseTool: tools.BaseTool{
			ToolName:        "complete_task",
			ToolDescription: "Mark a task as completed after review.",
			ToolParameters: objectSchema(map[string]any{
				"task_id": prop("string", "The task id"),
			}, "task_id"),
		},
		scheduler: scheduler,
	}
}

func (t *CompleteTaskTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return tools.ToolResult{}, tools.NewInvalidArgsError(t.Name(), "task_id is required", nil)
	}

	if err := t.scheduler.Complete(taskID); err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to complete task: %v", err)), nil
	}
	return tools.NewSuccessResult(fmt.Sprintf("Task %s completed.", taskID)), nil
}

// TaskStatsTool summarizes a session's tasks.
type TaskStatsTool struct {
	tools.BaseTool
	scheduler *tasks.Scheduler
}

// NewTaskStatsTool creates the task_stats tool.
func NewTaskStatsTool(scheduler *tasks.Scheduler) *TaskStatsTool {
	return &TaskStatsTool{
		BaseTool: tools.BaseTool{
			ToolName:        "task_stats",
			ToolDescription: "Count a session's tasks by status and list them.",
			ToolParameters: objectSchema(map[string]any{
				"session_id": prop("string", "Task session identifier"),
			}),
		},
		scheduler: scheduler,
	}
}

func (t *TaskStatsTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	stats, err := t.scheduler.Stats(sessionID(ctx, args))
	if err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to compute stats: %v", err)), nil
	}

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to render stats: %v", err)), nil
	}
	return tools.NewSuccessResult(string(data)), nil
}
