package moderation

const contentPrompt = `You are the content moderator of an online marketplace.
Classify the following %s. Reply with exactly one word:
SAFE if it is acceptable,
VIOLATION if it contains hate speech, harassment, sexual content, graphic violence, illegal goods or scams.

%s`

const imagePrompt = `You are the content moderator of an online marketplace.
Classify the attached %s. Reply with exactly one word:
SAFE if it is acceptable,
VIOLATION if it shows nudity, graphic violence, hate symbols, weapons for sale or illegal goods.`

const textSimilarityPrompt = `A seller is creating a new listing. Compare the NEW listing text with each EXISTING listing of the same seller and rate how likely the new listing duplicates one of them (same product listed twice).
Answer with JSON only: {"maxSimilarity": <integer 0-100>, "matchedId": "<id of the most similar existing listing>" or null}

NEW:
%s

EXISTING:
%s`

const imageSimilarityPrompt = `A seller is creating a new listing. The first %d attached image(s) belong to the NEW listing. The remaining images are one photo per EXISTING listing of the same seller, in this order of listing ids: %s.
Rate how likely the new listing shows the same physical product as one of the existing listings.
Answer with JSON only: {"maxSimilarity": <integer 0-100>, "matchedId": "<id of the most similar existing listing>" or null, "reason": "<short reason>"}`

const queryPrompt = `Describe the product shown in the attached image for a catalog search.
Answer with JSON only: {"query": "<short search query>", "keywords": ["<keyword>", ...]}`
