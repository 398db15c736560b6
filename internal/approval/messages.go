package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/xcawolfe-amzn/mergequeue/internal/request"
)

func minutes(d time.Duration) int {
	return int(d.Round(time.Minute) / time.Minute)
}

func solicitationMessage(tags string, req *request.Request, cfg Config) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s 🚀 **Merge Queue Approval Requested**\n\n", tags)
	if req.Requester != "" {
		fmt.Fprintf(&sb, "**Requested by**: @%s\n", req.Requester)
	}
	fmt.Fprintf(&sb, "**PR Numbers**: %s\n", request.FormatPRs(req.PRs))
	if req.HasRelease() {
		fmt.Fprintf(&sb, "• **Release PR**: #%d\n", req.ReleasePR)
	}
	if req.Summary != "" {
		fmt.Fprintf(&sb, "\n> %s\n", strings.ReplaceAll(req.Summary, "\n", "\n> "))
	}
	sb.WriteString("\n**Action Required**: Please review the PRs and approve this merge queue request.\n\n")
	fmt.Fprintf(&sb, "⏰ **Timeout**: This request will time out in %d minutes if not approved.\n", minutes(cfg.Timeout))
	if cfg.ReminderInterval < cfg.Timeout {
		fmt.Fprintf(&sb, "📋 **Reminders**: You'll receive reminders every %d minutes.\n", minutes(cfg.ReminderInterval))
	}
	sb.WriteString("\n**To approve**: React with 👍 or reply with 'approved'\n")
	sb.WriteString("**To reject**: React with 👎 or reply with 'rejected'\n\n")
	sb.WriteString("*This is an automated merge queue approval request.*")
	return sb.String()
}

func reminderMessage(tags string, remaining time.Duration) string {
	return fmt.Sprintf(`⏰ **Reminder**: Merge queue approval still pending

%s - Please review and approve this merge request.

**Time remaining**: %d minutes
**To approve**: React with 👍 or reply with 'approved'
**To reject**: React with 👎 or reply with 'rejected'`, tags, minutes(remaining))
}

func timeoutMessage(cfg Config) string {
	return fmt.Sprintf(`⏰ **Approval Timeout**

No approval was received within %d minutes. The merge queue request has timed out.

**To restart**: Comment `+"`%s`"+` again to start a new approval process.`, minutes(cfg.Timeout), cfg.ActivationPhrase)
}

func approvedMessage(approver string, cfg Config) string {
	msg := fmt.Sprintf(`✅ **Approved by @%s**

✅ **Authorization Verified**: Member of `+"`%s`"+` team

The merge queue will now run.`, approver, cfg.Team)
	if cfg.Repository != "" {
		msg += fmt.Sprintf("\n\nMonitor the progress in the [Actions tab](https://github.com/%s/actions).", cfg.Repository)
	}
	return msg
}

func rejectedMessage(rejector string, cfg Config) string {
	return fmt.Sprintf(`❌ **Rejected by @%s**

✅ **Authorization Verified**: Member of `+"`%s`"+` team

The merge queue request has been rejected. Please address any concerns and comment `+"`%s`"+` again to restart the process.`, rejector, cfg.Team, cfg.ActivationPhrase)
}

func unauthorizedMessage(author string, action State, approvers string, cfg Config) string {
	verb, noun := "approve", "Approval"
	if action == Rejected {
		verb, noun = "reject", "Rejection"
	}
	return fmt.Sprintf(`⚠️ **Unauthorized %s Attempt**

@%s attempted to %s this request, but is not a member of the `+"`%s`"+` team.

**Required**: %s must come from a member of the `+"`%s`"+` team (%s).`, noun, author, verb, cfg.Team, noun, cfg.Team, approvers)
}
