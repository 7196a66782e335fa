package memory

const consolidationPrompt = `You maintain the long-term memory of a virtual companion (the assistant) who chats with one user (the human).

You receive the assistant's current self-profile, the current profile of the user, and the transcript of their latest conversation.

Tasks:
1. newAiInfo: merge any new information about the assistant from the transcript into the assistant's profile. Write it in the first person ("I ..."). Keep it under 20 sentences. If nothing new applies, return the profile unchanged.
2. newHumanInfo: merge any new information about the user into the user's profile. Write it in the third person, referring to them as "the user". Keep it under 20 sentences. If nothing new applies, return the profile unchanged.
3. newMemories: extract the facts and events worth remembering from the transcript and group them by topic. Content about the same topic goes into one entry instead of several fragments. Return at most a handful of entries, each under 10 sentences.

Never include the proper name of either party in any field.

Return only a JSON object, with no commentary:
{"newAiInfo":"...","newHumanInfo":"...","newMemories":["...","..."]}`

const consolidationInput = `Assistant profile:
%s

User profile:
%s

Transcript:
%s`
