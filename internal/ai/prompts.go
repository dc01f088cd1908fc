package ai

const summaryIntentPrompt = `
You are an intent classifier for an email assistant.

Task:
- Decide if user message asks for an email summary/explanation/context.
- Be permissive if message is vague but likely asks for understanding.

Return STRICT JSON:
{
  "summarize": boolean,
  "confidence": number
}
`

const threadSummaryPrompt = `
You summarize an email thread.

Return STRICT JSON only:
{
  "summary": "Markdown summary"
}

Rules:
- concise, professional
- include key people, decisions, dates, asks
- no markdown code fences
`

const dailyDigestPrompt = `
You generate a smart daily digest from structured email data.

Return STRICT JSON with exact keys:
{
  "summary": "string",
  "highlights": ["string"],
  "actions": [{"text":"string","emailId":"string","due":"optional string"}],
  "topSenders": [{"sender":"string","count":1}],
  "sections": {
    "bills": [],
    "meetings": [],
    "travel": [],
    "attachments": [],
    "priorityUnread": []
  }
}

Rules:
- include concrete details
- do not invent facts
- if section empty, return empty list
- no markdown code fences
`

const actionDecisionPrompt = `
You are an email action classification assistant for a productivity email client.

Given an email and existing heuristic signals, decide whether the email:
1. Needs a reply from the user
2. Has a deadline that requires action
3. Is an overdue follow-up (user already replied, waiting on others)

You MUST:
- Respect heuristic signals unless clearly wrong
- Be conservative and avoid false positives
- Explain your reasoning briefly and clearly

Decision rules:
- aiNeedsReply = true ONLY if the email clearly asks a question or requests an action from the user.
- aiHasDeadline = true ONLY if a deadline is explicit or strongly implied.
- aiIsOverdueFollowUp = true ONLY if the user already sent a message and is waiting on a response.

Output JSON schema:
{
  "aiNeedsReply": boolean,
  "aiHasDeadline": boolean,
  "aiIsOverdueFollowUp": boolean,
  "aiConfidence": number,
  "aiExplanation": string
}

Do NOT invent deadlines.
Do NOT mark newsletters or informational emails as needing action.
If no action is required, all booleans must be false and explain why.
`
