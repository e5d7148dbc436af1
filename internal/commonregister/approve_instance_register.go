package commonregister

import (
	"context"
	"encoding/json"
	"time"

	"github.com/blingmoon/lanework/workflow"
	"github.com/pkg/errors"
)

const (
	ApprovalSpecName = "approval_workflow"

	ApplicantRole = "applicant"
	ReviewerA     = "reviewer_a"
	ReviewerB     = "reviewer_b"
	// LargeAmount 超过这个金额需要财务审核
	LargeAmount = 1000
)

// RegisterApprovalWorkflow 审批流程
//
// 提交(applicant) -> 审核 -> 审核确认(review, reviewers) -> 路由 -> 财务审核(finance, 按部门关系) -> 结束
// 审核和财务都可以驳回到提交
func RegisterApprovalWorkflow(registry *workflow.Registry, reviewers []string) error {
	if len(reviewers) == 0 {
		reviewers = []string{ReviewerA, ReviewerB}
	}
	// 工作流结构：提交 -> 审核 -> 批准
	workflowConfigJson := `{
		"id": "approval_workflow",
		"name": "审批工作流",
		"start_node": "submit",
		"lanes": [
			{"id": "applicant", "name": "申请人", "owners": ["applicant"]},
			{"id": "review", "name": "审核"},
			{"id": "finance", "name": "财务", "relations": ["department_finance"], "auto_sendoff": false}
		],
		"nodes": [
			{"id": "submit", "name": "提交申请", "lane": "applicant", "task_type": "user_task", "next_nodes": ["review"]},
			{"id": "review", "name": "审核", "lane": "review", "task_type": "user_task", "next_nodes": ["review_confirm", "submit"]},
			{"id": "review_confirm", "name": "审核确认", "lane": "review", "task_type": "user_task", "next_nodes": ["route"]},
			{"id": "route", "name": "金额路由", "lane": "review", "task_type": "service_task", "next_nodes": ["finance_check", "end"]},
			{"id": "finance_check", "name": "财务审核", "lane": "finance", "task_type": "user_task", "next_nodes": ["end", "submit"]},
			{"id": "end", "name": "结束", "task_type": "end"}
		]
	}`

	specConfig := &workflow.SpecConfig{}
	if err := json.Unmarshal([]byte(workflowConfigJson), specConfig); err != nil {
		return errors.Wrap(err, "unmarshal workflow config failed")
	}
	for _, lane := range specConfig.Lanes {
		if lane.ID == "review" {
			lane.Owners = reviewers
		}
	}
	if err := registry.LoadSpec(specConfig); err != nil {
		return errors.Wrap(err, "load workflow config failed")
	}

	err := registry.RegisterCommand(ApprovalSpecName, "submit", workflow.CommandSubmit, func(ctx context.Context, sc *workflow.StepContext) error {
		amount, ok := toFloat(sc.Input["amount"])
		if !ok || amount <= 0 {
			return errors.WithMessage(workflow.ErrParamInvalid, "amount is required")
		}
		department, _ := sc.InputString("department")
		sc.TaskData.Set([]string{"form", "amount"}, amount)
		sc.TaskData.Set([]string{"form", "department"}, department)
		sc.TaskData.Set([]string{"submit_time"}, time.Now().Format(time.RFC3339))
		sc.TaskData.Set([]string{"status"}, "submitted")
		sc.SetOutput("screen", "submitted")
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "register submit task failed")
	}

	// 审核: 通过留在审核 lane 做确认, 驳回回到申请人
	err = registry.RegisterCommand(ApprovalSpecName, "review", workflow.CommandApprove, func(ctx context.Context, sc *workflow.StepContext) error {
		sc.TaskData.Set([]string{"status"}, "reviewed")
		sc.Goto("review_confirm")
		sc.SetOutput("screen", "review_confirm")
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "register review approve failed")
	}
	err = registry.RegisterCommand(ApprovalSpecName, "review", workflow.CommandReject, rejectHandler)
	if err != nil {
		return errors.Wrap(err, "register review reject failed")
	}

	err = registry.RegisterCommand(ApprovalSpecName, "review_confirm", workflow.CommandApprove, func(ctx context.Context, sc *workflow.StepContext) error {
		sc.TaskData.Set([]string{"review_time"}, time.Now().Format(time.RFC3339))
		sc.SetOutput("screen", "done")
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "register review confirm failed")
	}

	err = registry.RegisterService(ApprovalSpecName, "route", func(ctx context.Context, sc *workflow.StepContext) error {
		amount, _ := sc.TaskData.GetInt64("form", "amount")
		if amount > LargeAmount {
			sc.Goto("finance_check")
			return nil
		}
		sc.TaskData.Set([]string{"status"}, "approved")
		sc.Goto("end")
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "register route service failed")
	}

	err = registry.RegisterCommand(ApprovalSpecName, "finance_check", workflow.CommandApprove, func(ctx context.Context, sc *workflow.StepContext) error {
		sc.TaskData.Set([]string{"status"}, "approved")
		sc.Goto("end")
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "register finance approve failed")
	}
	err = registry.RegisterCommand(ApprovalSpecName, "finance_check", workflow.CommandReject, rejectHandler)
	if err != nil {
		return errors.Wrap(err, "register finance reject failed")
	}

	// 财务角色按部门区分, 没有部门就没有候选人
	err = registry.RegisterRelation(ApprovalSpecName, "department_finance", func(ctx context.Context, state *workflow.InstanceState) ([]string, error) {
		department, ok := state.TaskData.GetString("form", "department")
		if !ok || department == "" {
			return nil, nil
		}
		return []string{FinanceRole(department)}, nil
	})
	if err != nil {
		return errors.Wrap(err, "register department relation failed")
	}
	return nil
}

func FinanceRole(department string) string {
	return "finance_" + department
}

func rejectHandler(ctx context.Context, sc *workflow.StepContext) error {
	reason, _ := sc.InputString("reason")
	sc.TaskData.Set([]string{"status"}, "rejected")
	sc.TaskData.Set([]string{"reject_reason"}, reason)
	sc.Goto("submit")
	sc.SetOutput("screen", "rejected")
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
